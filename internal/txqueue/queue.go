package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seipulse/internal/chain"
	"seipulse/internal/events"
	"seipulse/internal/kvstore"
)

const DefaultStoreKey = "seipulse-tx-queue"

var (
	ErrNotFound  = errors.New("transaction not found")
	ErrNotFailed = errors.New("transaction is not in failed state")
	ErrNoClient  = errors.New("no signing client connected")
)

// Attempt results reported to the Observer.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultFailed  = "failed"
	ResultInvalid = "invalid"
)

type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	ItemDelay     time.Duration
	SubmitTimeout time.Duration
	StoreKey      string
	Topic         string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		ItemDelay:  time.Second,
		StoreKey:   DefaultStoreKey,
		Topic:      events.DefaultTopic,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
	if c.StoreKey == "" {
		c.StoreKey = def.StoreKey
	}
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	return c
}

// Observer receives queue activity, typically to feed metrics.
type Observer interface {
	Enqueued(kind Kind)
	Attempted(kind Kind, result string)
	Transitioned(status Status)
	Depth(counts map[Status]int)
}

type nopObserver struct{}

func (nopObserver) Enqueued(Kind)          {}
func (nopObserver) Attempted(Kind, string) {}
func (nopObserver) Transitioned(Status)    {}
func (nopObserver) Depth(map[Status]int)   {}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) {
		if p != nil {
			q.pub = p
		}
	}
}

func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.obs = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// State is a read-only summary of the queue.
type State struct {
	Online          bool           `json:"online"`
	ClientConnected bool           `json:"clientConnected"`
	Address         string         `json:"address,omitempty"`
	Draining        bool           `json:"draining"`
	Counts          map[Status]int `json:"counts"`
}

// Queue holds transaction intents until they can be submitted through a
// signing client. All list mutations and persistence writes happen under mu.
type Queue struct {
	cfg   Config
	store kvstore.Store
	log   *zap.Logger
	pub   events.Publisher
	obs   Observer

	now      func() time.Time
	newID    func() string
	schedule func(d time.Duration, fn func())
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	items    []Transaction
	online   bool
	client   chain.Client
	draining bool
	backoff  map[string]struct{}

	// one submission at a time
	slot chan struct{}
	wake chan struct{}
}

// New loads the persisted queue. Items left in processing by an earlier run
// are put back to pending. An unreadable stored value is logged and the queue
// starts empty.
func New(ctx context.Context, store kvstore.Store, cfg Config, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("txqueue: store is required")
	}
	q := &Queue{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     zap.NewNop(),
		pub:     events.Nop{},
		obs:     nopObserver{},
		now:     time.Now,
		newID:   uuid.NewString,
		backoff: make(map[string]struct{}),
		slot:    make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
	q.schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	q.sleep = sleepCtx
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.store.Get(ctx, q.cfg.StoreKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	var items []Transaction
	if err := json.Unmarshal(raw, &items); err != nil {
		q.log.Error("stored queue is unreadable, starting empty", zap.Error(err))
		return nil
	}

	reset := 0
	for i := range items {
		if items[i].Status == StatusProcessing {
			items[i].Status = StatusPending
			reset++
		}
		// backoff timers do not survive a restart
		items[i].NextAttemptAt = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
	if reset > 0 {
		if err := q.persistLocked(ctx); err != nil {
			q.log.Warn("persist reset items", zap.Error(err))
		}
		q.log.Info("reset interrupted transactions to pending", zap.Int("count", reset))
	}
	q.log.Info("queue loaded", zap.Int("items", len(items)))
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(q.items)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, q.cfg.StoreKey, raw)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) countsLocked() map[Status]int {
	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusSucceeded:  0,
		StatusFailed:     0,
	}
	for _, it := range q.items {
		counts[it.Status]++
	}
	return counts
}

func (q *Queue) eligibleLocked() []string {
	var ids []string
	for _, it := range q.items {
		if it.Status != StatusPending {
			continue
		}
		if _, waiting := q.backoff[it.ID]; waiting {
			continue
		}
		ids = append(ids, it.ID)
	}
	return ids
}

func (q *Queue) readyLocked() bool {
	return q.online && q.client != nil
}

// AddToQueue stores a new pending transaction and returns its id. When the
// queue is online with a client connected the drain loop is woken so the
// item is attempted right away.
func (q *Queue) AddToQueue(ctx context.Context, in Intent) (string, error) {
	if in.Message != nil {
		in.Message = append(json.RawMessage(nil), in.Message...)
	}
	tx := Transaction{
		ID:        q.newID(),
		Intent:    in,
		CreatedAt: q.now().UTC(),
		Status:    StatusPending,
	}

	q.mu.Lock()
	q.items = append(q.items, tx)
	if err := q.persistLocked(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		return "", fmt.Errorf("persist queue: %w", err)
	}
	ready := q.readyLocked()
	counts := q.countsLocked()
	q.mu.Unlock()

	q.log.Info("transaction queued",
		zap.String("tx_id", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.Bool("online", ready),
	)
	q.obs.Enqueued(tx.Kind)
	q.obs.Depth(counts)
	q.publish(ctx, tx)

	if ready {
		q.nudge()
	}
	return tx.ID, nil
}

// ProcessQueue submits every eligible pending item in queue order, one at a
// time with ItemDelay between attempts. It returns immediately when offline,
// without a client or while another drain is running.
func (q *Queue) ProcessQueue(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.draining || !q.readyLocked() {
		q.mu.Unlock()
		return 0, nil
	}
	ids := q.eligibleLocked()
	if len(ids) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		q.nudge()
	}()

	q.log.Debug("drain started", zap.Int("eligible", len(ids)))
	processed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if processed > 0 {
			if err := q.sleep(ctx, q.cfg.ItemDelay); err != nil {
				return processed, err
			}
		}

		q.mu.Lock()
		ready := q.readyLocked()
		q.mu.Unlock()
		if !ready {
			q.log.Info("drain paused", zap.Int("processed", processed))
			break
		}

		attempted, err := q.ProcessTransaction(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			q.log.Warn("process transaction", zap.String("tx_id", id), zap.Error(err))
			continue
		}
		if attempted {
			processed++
		}
	}
	q.log.Debug("drain finished", zap.Int("processed", processed))
	return processed, nil
}

// ProcessTransaction attempts one pending item. It reports false without an
// error when the item is not pending or is waiting out a retry backoff.
func (q *Queue) ProcessTransaction(ctx context.Context, id string) (bool, error) {
	select {
	case q.slot <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-q.slot }()

	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return false, ErrNotFound
	}
	if q.items[idx].Status != StatusPending {
		q.mu.Unlock()
		return false, nil
	}
	if _, waiting := q.backoff[id]; waiting {
		q.mu.Unlock()
		return false, nil
	}
	client := q.client
	if client == nil {
		q.mu.Unlock()
		return false, ErrNoClient
	}
	q.items[idx].Status = StatusProcessing
	if err := q.persistLocked(ctx); err != nil {
		q.items[idx].Status = StatusPending
		q.mu.Unlock()
		return false, fmt.Errorf("persist queue: %w", err)
	}
	tx := q.items[idx].clone()
	counts := q.countsLocked()
	q.mu.Unlock()

	q.obs.Transitioned(StatusProcessing)
	q.obs.Depth(counts)
	q.publish(ctx, tx)

	if err := tx.Intent.Validate(); err != nil {
		q.resolve(ctx, tx, "", err, true)
		return true, nil
	}

	// A started submit runs to completion even when ctx is cancelled: the node
	// may accept the tx after the caller stops waiting.
	submitCtx := context.WithoutCancel(ctx)
	if q.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(submitCtx, q.cfg.SubmitTimeout)
		defer cancel()
	}
	res, err := submit(submitCtx, client, tx)
	if err == nil && res.TxHash == "" {
		err = errors.New("signing client returned an empty transaction hash")
	}
	q.resolve(ctx, tx, res.TxHash, err, rejected(err))
	return true, nil
}

// rejected reports errors the signer raises for the intent itself. Retrying
// them cannot succeed.
func rejected(err error) bool {
	return errors.Is(err, chain.ErrInvalidAddress) ||
		errors.Is(err, chain.ErrInvalidAmount) ||
		errors.Is(err, chain.ErrInvalidMessage)
}

func submit(ctx context.Context, client chain.Client, tx Transaction) (chain.Result, error) {
	switch tx.Kind {
	case KindTransfer:
		return client.SubmitTransfer(ctx, chain.TransferRequest{
			Sender:    client.Address(),
			Recipient: tx.Recipient,
			Amount:    tx.Amount,
			Memo:      tx.Memo,
		})
	case KindContractCall:
		return client.SubmitContractCall(ctx, chain.ContractCallRequest{
			Sender:   client.Address(),
			Contract: tx.ContractAddress,
			Message:  tx.Message,
		})
	default:
		return chain.Result{}, fmt.Errorf("unsupported transaction kind %q", tx.Kind)
	}
}

// resolve records the outcome of an attempt. Writes use a context detached
// from cancellation so a shutdown mid-submit still leaves a consistent record.
func (q *Queue) resolve(ctx context.Context, tx Transaction, hash string, submitErr error, invalid bool) {
	wctx := context.WithoutCancel(ctx)

	q.mu.Lock()
	idx := q.indexLocked(tx.ID)
	if idx < 0 {
		q.mu.Unlock()
		q.log.Warn("transaction removed while processing", zap.String("tx_id", tx.ID))
		return
	}
	item := &q.items[idx]

	var (
		result  string
		retryIn time.Duration
	)
	switch {
	case submitErr == nil:
		item.Status = StatusSucceeded
		item.TxHash = hash
		item.Error = ""
		item.NextAttemptAt = nil
		result = ResultSuccess
	case invalid:
		item.Status = StatusFailed
		item.RetryCount = q.cfg.MaxRetries
		item.Error = submitErr.Error()
		item.NextAttemptAt = nil
		result = ResultInvalid
	default:
		item.RetryCount++
		item.Error = submitErr.Error()
		if item.RetryCount < q.cfg.MaxRetries {
			item.Status = StatusPending
			retryIn = q.cfg.RetryDelay * time.Duration(item.RetryCount)
			at := q.now().Add(retryIn).UTC()
			item.NextAttemptAt = &at
			q.backoff[item.ID] = struct{}{}
			result = ResultRetry
		} else {
			item.Status = StatusFailed
			item.NextAttemptAt = nil
			result = ResultFailed
		}
	}
	snapshot := item.clone()
	perr := q.persistLocked(wctx)
	counts := q.countsLocked()
	q.mu.Unlock()

	if perr != nil {
		q.log.Error("persist attempt outcome", zap.String("tx_id", tx.ID), zap.Error(perr))
	}

	fields := []zap.Field{
		zap.String("tx_id", snapshot.ID),
		zap.String("kind", string(snapshot.Kind)),
		zap.String("status", string(snapshot.Status)),
		zap.Int("retry_count", snapshot.RetryCount),
	}
	switch result {
	case ResultSuccess:
		q.log.Info("transaction submitted", append(fields, zap.String("tx_hash", snapshot.TxHash))...)
	case ResultRetry:
		q.log.Warn("transaction attempt failed, retry scheduled",
			append(fields, zap.Duration("retry_in", retryIn), zap.Error(submitErr))...)
		id := snapshot.ID
		q.schedule(retryIn, func() { q.endBackoff(id) })
	default:
		q.log.Error("transaction failed", append(fields, zap.Error(submitErr))...)
	}

	q.obs.Attempted(snapshot.Kind, result)
	q.obs.Transitioned(snapshot.Status)
	q.obs.Depth(counts)
	q.publish(wctx, snapshot)
}

func (q *Queue) endBackoff(id string) {
	q.mu.Lock()
	delete(q.backoff, id)
	q.mu.Unlock()
	q.nudge()
}

// RemoveFromQueue deletes an item regardless of its status. Unknown ids are ignored.
func (q *Queue) RemoveFromQueue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}
	prev := q.items
	next := make([]Transaction, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)
	q.items = next
	if err := q.persistLocked(ctx); err != nil {
		q.items = prev
		return fmt.Errorf("persist queue: %w", err)
	}
	delete(q.backoff, id)
	q.obs.Depth(q.countsLocked())
	q.log.Info("transaction removed", zap.String("tx_id", id))
	return nil
}

// ClearCompletedTransactions drops succeeded and failed items and returns how many were removed.
func (q *Queue) ClearCompletedTransactions(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]Transaction, 0, len(q.items))
	for _, it := range q.items {
		if !it.Status.Terminal() {
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	prev := q.items
	q.items = kept
	if err := q.persistLocked(ctx); err != nil {
		q.items = prev
		return 0, fmt.Errorf("persist queue: %w", err)
	}
	q.obs.Depth(q.countsLocked())
	q.log.Info("completed transactions cleared", zap.Int("removed", removed))
	return removed, nil
}

// RetryFailedTransaction moves a failed item back to pending with a fresh retry budget.
func (q *Queue) RetryFailedTransaction(ctx context.Context, id string) error {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	if q.items[idx].Status != StatusFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	prev := q.items[idx]
	item := &q.items[idx]
	item.Status = StatusPending
	item.RetryCount = 0
	item.Error = ""
	item.NextAttemptAt = nil
	if err := q.persistLocked(ctx); err != nil {
		q.items[idx] = prev
		q.mu.Unlock()
		return fmt.Errorf("persist queue: %w", err)
	}
	delete(q.backoff, id)
	snapshot := item.clone()
	ready := q.readyLocked()
	counts := q.countsLocked()
	q.mu.Unlock()

	q.log.Info("failed transaction requeued", zap.String("tx_id", id))
	q.obs.Transitioned(StatusPending)
	q.obs.Depth(counts)
	q.publish(ctx, snapshot)
	if ready {
		q.nudge()
	}
	return nil
}

// List returns a copy of every item in queue order.
func (q *Queue) List() []Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Transaction, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

func (q *Queue) Get(id string) (Transaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Transaction{}, ErrNotFound
	}
	return q.items[idx].clone(), nil
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := State{
		Online:          q.online,
		ClientConnected: q.client != nil,
		Draining:        q.draining,
		Counts:          q.countsLocked(),
	}
	if q.client != nil {
		st.Address = q.client.Address()
	}
	return st
}

// SetOnline records the connectivity signal. Going online wakes the drain loop.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	q.mu.Unlock()

	if changed {
		q.log.Info("connectivity changed", zap.Bool("online", online))
	}
	if online {
		q.nudge()
	}
}

// SetClient installs the signing client. nil means the wallet is disconnected.
func (q *Queue) SetClient(c chain.Client) {
	q.mu.Lock()
	q.client = c
	q.mu.Unlock()

	if c == nil {
		q.log.Info("signing client disconnected")
		return
	}
	q.log.Info("signing client connected", zap.String("address", c.Address()))
	q.nudge()
}

// Run drains the queue whenever it is online, has a client and holds an
// eligible item. It blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	idle := q.cfg.ItemDelay
	if idle < 100*time.Millisecond {
		idle = 100 * time.Millisecond
	}
	for {
		if q.shouldDrain() {
			n, err := q.ProcessQueue(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				q.log.Warn("drain", zap.Error(err))
			}
			if n > 0 {
				continue
			}
			// nothing could be claimed, back off instead of spinning
			if err := q.sleep(ctx, idle); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) shouldDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.draining && q.readyLocked() && len(q.eligibleLocked()) > 0
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(ctx context.Context, tx Transaction) {
	payload, err := events.Event{
		ID:         tx.ID,
		Kind:       string(tx.Kind),
		Status:     string(tx.Status),
		RetryCount: tx.RetryCount,
		TxHash:     tx.TxHash,
		Error:      tx.Error,
		At:         q.now().UTC(),
	}.Marshal()
	if err != nil {
		q.log.Warn("encode status event", zap.String("tx_id", tx.ID), zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.pub.Publish(pctx, q.cfg.Topic, tx.ID, payload); err != nil {
		q.log.Warn("publish status event", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
