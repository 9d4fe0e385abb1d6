package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"seipulse/internal/logger"
)

const (
	newBlockQuery         = "tm.event='NewBlock'"
	newBlockEventType     = "tendermint/event/NewBlock"
	DefaultReconnectDelay = 5 * time.Second
)

// BlockSubscriber follows NewBlock events on the Tendermint websocket and
// reconnects after ReconnectDelay whenever the connection drops.
type BlockSubscriber struct {
	url            string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	log            *zap.Logger
	connected      atomic.Bool
}

func NewBlockSubscriber(wsURL string, reconnectDelay time.Duration, log *zap.Logger) *BlockSubscriber {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &BlockSubscriber{
		url:            wsURL,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		log:            logger.OrNop(log),
	}
}

// Connected reports whether a subscription is currently live.
func (b *BlockSubscriber) Connected() bool {
	return b.connected.Load()
}

// Run calls onBlock with the height of every new block until ctx is done.
func (b *BlockSubscriber) Run(ctx context.Context, onBlock func(height int64)) {
	for {
		err := b.listen(ctx, onBlock)
		b.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("block subscription dropped, reconnecting",
			zap.Duration("delay", b.reconnectDelay), zap.Error(err))

		t := time.NewTimer(b.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

type blockEvent struct {
	Result struct {
		Data struct {
			Type  string `json:"type"`
			Value struct {
				Block struct {
					Header struct {
						Height string `json:"height"`
					} `json:"header"`
				} `json:"block"`
			} `json:"value"`
		} `json:"data"`
	} `json:"result"`
}

func (b *BlockSubscriber) listen(ctx context.Context, onBlock func(int64)) error {
	ws, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer ws.Close()

	// unblocks ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	err = ws.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"id":      1,
		"params":  map[string]string{"query": newBlockQuery},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.connected.Store(true)
	b.log.Info("subscribed to new blocks", zap.String("url", b.url))

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		var ev blockEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			b.log.Debug("skip websocket message", zap.Error(err))
			continue
		}
		if ev.Result.Data.Type != newBlockEventType {
			continue
		}
		height, _ := strconv.ParseInt(ev.Result.Data.Value.Block.Header.Height, 10, 64)
		onBlock(height)
	}
}
