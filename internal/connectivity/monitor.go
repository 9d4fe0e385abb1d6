package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"seipulse/internal/logger"
)

// Pinger is anything that can tell whether the network path to the chain works.
type Pinger interface {
	Ping(ctx context.Context) error
}

// All returns a Pinger that succeeds only when every non-nil pinger does.
func All(pingers ...Pinger) Pinger {
	var set multiPinger
	for _, p := range pingers {
		if p != nil {
			set = append(set, p)
		}
	}
	return set
}

type multiPinger []Pinger

func (ps multiPinger) Ping(ctx context.Context) error {
	var errs []error
	for _, p := range ps {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Listener func(online bool)

type Config struct {
	Interval time.Duration // zero disables polling
	Timeout  time.Duration
}

// Monitor polls a Pinger and reports online/offline transitions.
type Monitor struct {
	pinger Pinger
	cfg    Config
	log    *zap.Logger

	mu        sync.RWMutex
	online    bool
	checked   bool
	listeners []Listener
}

func NewMonitor(p Pinger, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	log = logger.OrNop(log)
	return &Monitor{pinger: p, cfg: cfg, log: log}
}

// Subscribe registers fn for every change of the online flag.
func (m *Monitor) Subscribe(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records an externally observed state, notifying listeners on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := !m.checked || m.online != online
	m.online = online
	m.checked = true
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info("connectivity", zap.Bool("online", online))
	for _, fn := range listeners {
		fn(online)
	}
}

// Check pings once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	err := m.pinger.Ping(cctx)
	if err != nil {
		m.log.Debug("ping failed", zap.Error(err))
	}
	m.Set(err == nil)
	return err == nil
}

// Run checks immediately and then every Interval until ctx is done. It
// returns at once when polling is disabled.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.Interval <= 0 || m.pinger == nil {
		return
	}
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
