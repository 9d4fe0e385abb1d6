package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seipulse/internal/chain"
	"seipulse/internal/kvstore"
	"seipulse/internal/logger"
	"seipulse/internal/prices"
)

const (
	AddressesKey = "seipulse-watched-addresses"
	TokensKey    = "seipulse-watched-tokens"

	DefaultInterval = 30 * time.Second
	// DefaultMinGap limits block-triggered refreshes; Sei produces several blocks a second.
	DefaultMinGap = 5 * time.Second
)

var (
	ErrDuplicate = errors.New("already watched")
	ErrInvalid   = errors.New("invalid watch entry")
)

type WatchedAddress struct {
	Address            string            `json:"address"`
	Label              string            `json:"label"`
	Balance            string            `json:"balance,omitempty"`
	LastTx             string            `json:"lastTx,omitempty"`
	RecentTransactions []chain.TxSummary `json:"recentTransactions,omitempty"`
	LastUpdated        *time.Time        `json:"lastUpdated,omitempty"`
}

type WatchedToken struct {
	Symbol          string           `json:"symbol"`
	ContractAddress string           `json:"contractAddress,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	PriceChange24h  *decimal.Decimal `json:"priceChange24h,omitempty"`
	Volume24h       *decimal.Decimal `json:"volume24h,omitempty"`
	LastUpdated     *time.Time       `json:"lastUpdated,omitempty"`
}

type BalanceSource interface {
	NativeBalance(ctx context.Context, address string) (chain.Balance, error)
}

type PriceSource interface {
	Get(ctx context.Context, symbol string) (prices.TokenPrice, error)
}

type TxSource interface {
	RecentTransactions(ctx context.Context, address string, limit int) ([]chain.TxSummary, error)
}

type Option func(*Service)

// WithTransactions enables the recent transaction lookup on refresh.
func WithTransactions(src TxSource) Option {
	return func(s *Service) { s.txs = src }
}

// WithMinGap sets the minimum time between two triggered refreshes.
func WithMinGap(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.minGap = d
		}
	}
}

// Service keeps the watched addresses and tokens and refreshes their
// balances and prices.
type Service struct {
	store    kvstore.Store
	balances BalanceSource
	prices   PriceSource
	txs      TxSource
	prefix   string
	log      *zap.Logger
	now      func() time.Time
	minGap   time.Duration
	trigger  chan struct{}

	mu          sync.Mutex
	addresses   []WatchedAddress
	tokens      []WatchedToken
	lastRefresh time.Time
}

func NewService(ctx context.Context, store kvstore.Store, balances BalanceSource, priceSrc PriceSource, prefix string, log *zap.Logger, opts ...Option) (*Service, error) {
	log = logger.OrNop(log)
	s := &Service{
		store:    store,
		balances: balances,
		prices:   priceSrc,
		prefix:   prefix,
		log:      log,
		now:      time.Now,
		minGap:   DefaultMinGap,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadKey(ctx, AddressesKey, &s.addresses); err != nil {
		return nil, err
	}
	if err := s.loadKey(ctx, TokensKey, &s.tokens); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadKey(ctx context.Context, key string, target any) error {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		s.log.Error("stored watchlist is unreadable, starting empty", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *Service) saveLocked(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (s *Service) AddAddress(ctx context.Context, address, label string) (WatchedAddress, error) {
	address = strings.TrimSpace(address)
	if err := chain.ValidateAddress(s.prefix, address); err != nil {
		return WatchedAddress{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addresses {
		if a.Address == address {
			return WatchedAddress{}, fmt.Errorf("%w: %s", ErrDuplicate, address)
		}
	}
	entry := WatchedAddress{Address: address, Label: label}
	next := append(append([]WatchedAddress(nil), s.addresses...), entry)
	if err := s.saveLocked(ctx, AddressesKey, next); err != nil {
		return WatchedAddress{}, err
	}
	s.addresses = next
	return entry, nil
}

// RemoveAddress is a no-op for addresses that are not watched.
func (s *Service) RemoveAddress(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]WatchedAddress, 0, len(s.addresses))
	for _, a := range s.addresses {
		if a.Address != address {
			next = append(next, a)
		}
	}
	if len(next) == len(s.addresses) {
		return nil
	}
	if err := s.saveLocked(ctx, AddressesKey, next); err != nil {
		return err
	}
	s.addresses = next
	return nil
}

func (s *Service) AddToken(ctx context.Context, symbol, contract string) (WatchedToken, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return WatchedToken{}, fmt.Errorf("%w: symbol is required", ErrInvalid)
	}
	if contract != "" {
		if err := chain.ValidateAddress(s.prefix, contract); err != nil {
			return WatchedToken{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Symbol == symbol {
			return WatchedToken{}, fmt.Errorf("%w: %s", ErrDuplicate, symbol)
		}
	}
	entry := WatchedToken{Symbol: symbol, ContractAddress: contract}
	next := append(append([]WatchedToken(nil), s.tokens...), entry)
	if err := s.saveLocked(ctx, TokensKey, next); err != nil {
		return WatchedToken{}, err
	}
	s.tokens = next
	return entry, nil
}

func (s *Service) RemoveToken(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]WatchedToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		if t.Symbol != symbol {
			next = append(next, t)
		}
	}
	if len(next) == len(s.tokens) {
		return nil
	}
	if err := s.saveLocked(ctx, TokensKey, next); err != nil {
		return err
	}
	s.tokens = next
	return nil
}

func (s *Service) Addresses() []WatchedAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WatchedAddress(nil), s.addresses...)
}

func (s *Service) Tokens() []WatchedToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WatchedToken(nil), s.tokens...)
}

// Refresh updates every balance and price. Entries whose lookup fails keep
// their previous values.
func (s *Service) Refresh(ctx context.Context) error {
	addrs := s.Addresses()
	toks := s.Tokens()

	balances := make(map[string]string, len(addrs))
	if s.balances != nil {
		for _, a := range addrs {
			bal, err := s.balances.NativeBalance(ctx, a.Address)
			if err != nil {
				s.log.Warn("refresh balance", zap.String("address", a.Address), zap.Error(err))
				continue
			}
			balances[a.Address] = bal.Formatted
		}
	}

	recent := make(map[string][]chain.TxSummary, len(addrs))
	if s.txs != nil {
		for _, a := range addrs {
			txs, err := s.txs.RecentTransactions(ctx, a.Address, chain.DefaultRecentTxLimit)
			if err != nil {
				s.log.Warn("refresh transactions", zap.String("address", a.Address), zap.Error(err))
				continue
			}
			recent[a.Address] = txs
		}
	}

	quotes := make(map[string]prices.TokenPrice, len(toks))
	if s.prices != nil {
		for _, t := range toks {
			p, err := s.prices.Get(ctx, t.Symbol)
			if err != nil {
				s.log.Debug("refresh price", zap.String("symbol", t.Symbol), zap.Error(err))
				continue
			}
			quotes[t.Symbol] = p
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = now

	var errs []error
	if len(balances) > 0 || len(recent) > 0 {
		for i := range s.addresses {
			a := &s.addresses[i]
			if bal, ok := balances[a.Address]; ok {
				a.Balance = bal
				a.LastUpdated = &now
			}
			if txs, ok := recent[a.Address]; ok {
				a.RecentTransactions = txs
				if len(txs) > 0 {
					a.LastTx = txs[0].Hash
				}
				a.LastUpdated = &now
			}
		}
		if err := s.saveLocked(ctx, AddressesKey, s.addresses); err != nil {
			errs = append(errs, err)
		}
	}
	if len(quotes) > 0 {
		for i := range s.tokens {
			q, ok := quotes[s.tokens[i].Symbol]
			if !ok {
				continue
			}
			price, change, vol := q.Price, q.PriceChange24h, q.Volume24h
			s.tokens[i].Price = &price
			s.tokens[i].PriceChange24h = &change
			s.tokens[i].Volume24h = &vol
			s.tokens[i].LastUpdated = &now
		}
		if err := s.saveLocked(ctx, TokensKey, s.tokens); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Debug("watchlist refreshed",
		zap.Int("balances", len(balances)),
		zap.Int("transactions", len(recent)),
		zap.Int("prices", len(quotes)),
	)
	return errors.Join(errs...)
}

// Trigger asks Run for a refresh, typically on a new block. Triggers that
// arrive within the minimum gap of the last refresh are dropped.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on every tick and on Trigger until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
			s.mu.Lock()
			recent := !s.lastRefresh.IsZero() && s.now().Sub(s.lastRefresh) < s.minGap
			s.mu.Unlock()
			if recent {
				continue
			}
		}
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("watchlist refresh", zap.Error(err))
		}
	}
}
