package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"seipulse/internal/chain"
	"seipulse/internal/kvstore"
)

type stubClient struct {
	mu        sync.Mutex
	errs      []error // consumed per call; nil entries succeed
	transfers []chain.TransferRequest
	calls     []chain.ContractCallRequest
	hashN     int

	inflight    atomic.Int32
	maxInflight atomic.Int32
	hold        time.Duration
}

func (s *stubClient) Address() string { return "sei1stubsender" }

func (s *stubClient) next() (chain.Result, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.hold > 0 {
		time.Sleep(s.hold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	if err != nil {
		return chain.Result{}, err
	}
	s.hashN++
	return chain.Result{TxHash: fmt.Sprintf("0xhash%d", s.hashN)}, nil
}

func (s *stubClient) SubmitTransfer(_ context.Context, req chain.TransferRequest) (chain.Result, error) {
	s.mu.Lock()
	s.transfers = append(s.transfers, req)
	s.mu.Unlock()
	return s.next()
}

func (s *stubClient) SubmitContractCall(_ context.Context, req chain.ContractCallRequest) (chain.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.next()
}

func (s *stubClient) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers) + len(s.calls)
}

type failingStore struct {
	kvstore.Store
	fail atomic.Bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

type recordingObserver struct {
	mu       sync.Mutex
	enqueued int
	results  []string
	statuses []Status
	depth    map[Status]int
}

func (o *recordingObserver) Enqueued(Kind) {
	o.mu.Lock()
	o.enqueued++
	o.mu.Unlock()
}

func (o *recordingObserver) Attempted(_ Kind, result string) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}

func (o *recordingObserver) Transitioned(s Status) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.mu.Unlock()
}

func (o *recordingObserver) Depth(c map[Status]int) {
	o.mu.Lock()
	o.depth = c
	o.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, payload)
	return nil
}

// harness builds a queue whose timers and sleeps are recorded instead of waited on.
type harness struct {
	q         *Queue
	store     kvstore.Store
	mu        sync.Mutex
	scheduled []time.Duration
	timers    []func()
	sleeps    []time.Duration
}

func newHarness(t *testing.T, store kvstore.Store, opts ...Option) *harness {
	t.Helper()
	return newHarnessConfig(t, store, DefaultConfig(), opts...)
}

func newHarnessConfig(t *testing.T, store kvstore.Store, cfg Config, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemoryStore()
	}
	q, err := New(context.Background(), store, cfg, opts...)
	require.NoError(t, err)

	h := &harness{q: q, store: store}
	ids := 0
	q.newID = func() string {
		ids++
		return fmt.Sprintf("tx-%d", ids)
	}
	q.schedule = func(d time.Duration, fn func()) {
		h.mu.Lock()
		h.scheduled = append(h.scheduled, d)
		h.timers = append(h.timers, fn)
		h.mu.Unlock()
	}
	q.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

// fireTimers runs every pending backoff timer.
func (h *harness) fireTimers() {
	h.mu.Lock()
	timers := h.timers
	h.timers = nil
	h.mu.Unlock()
	for _, fn := range timers {
		fn()
	}
}

func transfer(amount string) Intent {
	return Intent{Kind: KindTransfer, Recipient: "sei1recipient", Amount: amount}
}

func stored(t *testing.T, store kvstore.Store) []Transaction {
	t.Helper()
	raw, err := store.Get(context.Background(), DefaultStoreKey)
	require.NoError(t, err)
	var items []Transaction
	require.NoError(t, json.Unmarshal(raw, &items))
	return items
}

func TestAddToQueuePersistsPendingItem(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("1000"))
	require.NoError(t, err)
	require.Equal(t, "tx-1", id)

	items := stored(t, h.store)
	require.Len(t, items, 1)
	require.Equal(t, StatusPending, items[0].Status)
	require.Equal(t, 0, items[0].RetryCount)
	require.Equal(t, "1000", items[0].Amount)
	require.Empty(t, items[0].TxHash)
}

func TestAddToQueueRollsBackOnPersistFailure(t *testing.T) {
	store := &failingStore{Store: kvstore.NewMemoryStore()}
	h := newHarness(t, store)
	store.fail.Store(true)

	_, err := h.q.AddToQueue(context.Background(), transfer("1"))
	require.Error(t, err)
	require.Empty(t, h.q.List())
}

func TestProcessQueueOfflineIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{}
	h.q.SetClient(client)
	ctx := context.Background()

	_, err := h.q.AddToQueue(ctx, transfer("5"))
	require.NoError(t, err)

	n, err := h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, client.submitCount())
	require.Equal(t, StatusPending, h.q.List()[0].Status)
}

func TestProcessQueueWithoutClientIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.q.SetOnline(true)
	ctx := context.Background()

	_, err := h.q.AddToQueue(ctx, transfer("5"))
	require.NoError(t, err)

	n, err := h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessQueueDrainsInOrderWithItemDelay(t *testing.T) {
	obs := &recordingObserver{}
	pub := &recordingPublisher{}
	h := newHarness(t, nil, WithObserver(obs), WithPublisher(pub))
	client := &stubClient{}
	ctx := context.Background()

	for _, amt := range []string{"1", "2", "3"} {
		_, err := h.q.AddToQueue(ctx, transfer(amt))
		require.NoError(t, err)
	}
	h.q.SetClient(client)
	h.q.SetOnline(true)

	n, err := h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.Len(t, client.transfers, 3)
	for i, amt := range []string{"1", "2", "3"} {
		require.Equal(t, amt, client.transfers[i].Amount)
		require.Equal(t, "sei1stubsender", client.transfers[i].Sender)
	}
	require.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeps)

	for i, it := range h.q.List() {
		require.Equal(t, StatusSucceeded, it.Status)
		require.Equal(t, fmt.Sprintf("0xhash%d", i+1), it.TxHash)
	}
	require.Equal(t, 3, obs.enqueued)
	require.Equal(t, []string{ResultSuccess, ResultSuccess, ResultSuccess}, obs.results)
	require.Equal(t, 3, obs.depth[StatusSucceeded])

	// queued, processing and succeeded for each item
	require.Len(t, pub.keys, 9)
	require.Equal(t, "tx-1", pub.keys[0])
}

func TestRetryBackoffThenFailure(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{errs: []error{
		errors.New("rpc unavailable"),
		errors.New("rpc unavailable"),
		errors.New("rpc unavailable"),
	}}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("10"))
	require.NoError(t, err)

	attempted, err := h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	require.True(t, attempted)

	tx, err := h.q.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, 1, tx.RetryCount)
	require.Equal(t, "rpc unavailable", tx.Error)
	require.NotNil(t, tx.NextAttemptAt)

	// backoff blocks the next attempt until the timer fires
	n, err := h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	attempted, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	require.False(t, attempted)

	h.fireTimers()
	n, err = h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	tx, _ = h.q.Get(id)
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, 2, tx.RetryCount)

	h.fireTimers()
	n, err = h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tx, _ = h.q.Get(id)
	require.Equal(t, StatusFailed, tx.Status)
	require.Equal(t, 3, tx.RetryCount)
	require.Empty(t, tx.TxHash)
	require.Nil(t, tx.NextAttemptAt)
	require.Equal(t, 3, client.submitCount())
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.scheduled)

	// failed is terminal for automatic processing
	h.fireTimers()
	n, err = h.q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 3, client.submitCount())
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{errs: []error{errors.New("timeout")}}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("10"))
	require.NoError(t, err)

	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	h.fireTimers()
	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)

	tx, _ := h.q.Get(id)
	require.Equal(t, StatusSucceeded, tx.Status)
	require.Equal(t, 1, tx.RetryCount)
	require.Equal(t, "0xhash1", tx.TxHash)
	require.Empty(t, tx.Error)
}

func TestEmptyTxHashCountsAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.q.SetClient(emptyHashClient{})
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("10"))
	require.NoError(t, err)
	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)

	tx, _ := h.q.Get(id)
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, 1, tx.RetryCount)
	require.Empty(t, tx.TxHash)
}

type emptyHashClient struct{}

func (emptyHashClient) Address() string { return "sei1empty" }
func (emptyHashClient) SubmitTransfer(context.Context, chain.TransferRequest) (chain.Result, error) {
	return chain.Result{}, nil
}
func (emptyHashClient) SubmitContractCall(context.Context, chain.ContractCallRequest) (chain.Result, error) {
	return chain.Result{}, nil
}

func TestMalformedIntentFailsWithoutSubmit(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, nil, WithObserver(obs))
	client := &stubClient{}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, Intent{Kind: KindContractCall, ContractAddress: "sei1contract"})
	require.NoError(t, err)

	attempted, err := h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	require.True(t, attempted)

	tx, _ := h.q.Get(id)
	require.Equal(t, StatusFailed, tx.Status)
	require.Equal(t, 3, tx.RetryCount)
	require.Contains(t, tx.Error, "Message is required")
	require.Zero(t, client.submitCount())
	require.Equal(t, []string{ResultInvalid}, obs.results)
}

func TestContractCallSubmitsMessage(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	msg := json.RawMessage(`{"increment":{}}`)
	id, err := h.q.AddToQueue(ctx, Intent{Kind: KindContractCall, ContractAddress: "sei1contract", Message: msg})
	require.NoError(t, err)

	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	require.Equal(t, "sei1contract", client.calls[0].Contract)
	require.JSONEq(t, string(msg), string(client.calls[0].Message))
}

func TestProcessTransactionUnknownID(t *testing.T) {
	h := newHarness(t, nil)
	h.q.SetClient(&stubClient{})
	_, err := h.q.ProcessTransaction(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProcessTransactionWithoutClient(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.q.AddToQueue(context.Background(), transfer("1"))
	require.NoError(t, err)

	_, err = h.q.ProcessTransaction(context.Background(), id)
	require.ErrorIs(t, err, ErrNoClient)
	tx, _ := h.q.Get(id)
	require.Equal(t, StatusPending, tx.Status)
}

func TestSucceededItemIsNotResubmitted(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("1"))
	require.NoError(t, err)
	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)

	attempted, err := h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	require.False(t, attempted)
	require.Equal(t, 1, client.submitCount())
}

func TestRetryFailedTransaction(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("1"))
	require.NoError(t, err)

	require.ErrorIs(t, h.q.RetryFailedTransaction(ctx, id), ErrNotFailed)
	require.ErrorIs(t, h.q.RetryFailedTransaction(ctx, "missing"), ErrNotFound)

	for i := 0; i < 3; i++ {
		_, err = h.q.ProcessTransaction(ctx, id)
		require.NoError(t, err)
		h.fireTimers()
	}
	tx, _ := h.q.Get(id)
	require.Equal(t, StatusFailed, tx.Status)

	require.NoError(t, h.q.RetryFailedTransaction(ctx, id))
	tx, _ = h.q.Get(id)
	require.Equal(t, StatusPending, tx.Status)
	require.Zero(t, tx.RetryCount)
	require.Empty(t, tx.Error)

	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)
	tx, _ = h.q.Get(id)
	require.Equal(t, StatusSucceeded, tx.Status)
	require.Equal(t, StatusSucceeded, stored(t, h.store)[0].Status)
}

func TestRemoveAndClearCompleted(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{errs: []error{nil, errors.New("x"), errors.New("x"), errors.New("x")}}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	ok, _ := h.q.AddToQueue(ctx, transfer("1"))
	bad, _ := h.q.AddToQueue(ctx, transfer("2"))
	waiting, _ := h.q.AddToQueue(ctx, transfer("3"))

	_, err := h.q.ProcessTransaction(ctx, ok)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.q.ProcessTransaction(ctx, bad)
		require.NoError(t, err)
		h.fireTimers()
	}

	removed, err := h.q.ClearCompletedTransactions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	items := h.q.List()
	require.Len(t, items, 1)
	require.Equal(t, waiting, items[0].ID)

	require.NoError(t, h.q.RemoveFromQueue(ctx, "missing"))
	require.NoError(t, h.q.RemoveFromQueue(ctx, waiting))
	require.Empty(t, h.q.List())
	require.Empty(t, stored(t, h.store))
}

func TestLoadResetsProcessingAndSurvivesCorruption(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	items := []Transaction{
		{ID: "a", Intent: transfer("1"), Status: StatusProcessing},
		{ID: "b", Intent: transfer("2"), Status: StatusSucceeded, TxHash: "0x1"},
	}
	raw, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, DefaultStoreKey, raw))

	q, err := New(ctx, store, DefaultConfig())
	require.NoError(t, err)
	got := q.List()
	require.Len(t, got, 2)
	require.Equal(t, StatusPending, got[0].Status)
	require.Equal(t, StatusSucceeded, got[1].Status)
	require.Equal(t, StatusPending, stored(t, store)[0].Status)

	require.NoError(t, store.Set(ctx, DefaultStoreKey, []byte("{not json")))
	q, err = New(ctx, store, DefaultConfig())
	require.NoError(t, err)
	require.Empty(t, q.List())
}

func TestSubmissionsNeverOverlap(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{hold: 5 * time.Millisecond}
	h.q.SetClient(client)
	h.q.SetOnline(true)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := h.q.AddToQueue(ctx, transfer("1"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.q.ProcessQueue(ctx)
	}()
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = h.q.ProcessTransaction(ctx, id)
		}(id)
	}
	wg.Wait()

	require.Equal(t, int32(1), client.maxInflight.Load())
	require.Equal(t, 8, client.submitCount())
	for _, it := range h.q.List() {
		require.Equal(t, StatusSucceeded, it.Status)
	}
}

func TestRunDrainsWhenOnline(t *testing.T) {
	h := newHarness(t, nil)
	client := &stubClient{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := h.q.AddToQueue(ctx, transfer("1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.q.Run(ctx) }()

	h.q.SetClient(client)
	h.q.SetOnline(true)

	require.Eventually(t, func() bool {
		tx, err := h.q.Get(id)
		return err == nil && tx.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	// items added while online are attempted without an explicit drain
	id2, err := h.q.AddToQueue(ctx, transfer("2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tx, err := h.q.Get(id2)
		return err == nil && tx.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStateReportsCounts(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.q.AddToQueue(context.Background(), transfer("1"))
	require.NoError(t, err)

	st := h.q.State()
	require.False(t, st.Online)
	require.False(t, st.ClientConnected)
	require.Equal(t, 1, st.Counts[StatusPending])

	h.q.SetClient(&stubClient{})
	st = h.q.State()
	require.True(t, st.ClientConnected)
	require.Equal(t, "sei1stubsender", st.Address)
}

// blockingClient holds each submit until release is closed or its context ends.
type blockingClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingClient) Address() string { return "sei1blocking" }

func (b *blockingClient) SubmitTransfer(ctx context.Context, _ chain.TransferRequest) (chain.Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return chain.Result{}, ctx.Err()
	case <-b.release:
		return chain.Result{TxHash: "0xreleased"}, nil
	}
}

func (b *blockingClient) SubmitContractCall(ctx context.Context, _ chain.ContractCallRequest) (chain.Result, error) {
	return b.SubmitTransfer(ctx, chain.TransferRequest{})
}

func TestCancelDoesNotAbortInflightSubmit(t *testing.T) {
	h := newHarness(t, nil)
	client := newBlockingClient()
	h.q.SetClient(client)
	h.q.SetOnline(true)

	id, err := h.q.AddToQueue(context.Background(), transfer("7"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.q.ProcessTransaction(ctx, id)
		done <- err
	}()

	<-client.started
	cancel()
	time.Sleep(20 * time.Millisecond)
	tx, _ := h.q.Get(id)
	require.Equal(t, StatusProcessing, tx.Status)

	close(client.release)
	require.NoError(t, <-done)

	tx, _ = h.q.Get(id)
	require.Equal(t, StatusSucceeded, tx.Status)
	require.Equal(t, "0xreleased", tx.TxHash)
	require.Zero(t, tx.RetryCount)
	require.Empty(t, h.scheduled)
	require.Equal(t, StatusSucceeded, stored(t, h.store)[0].Status)
}

func TestSubmitTimeoutCountsAsFailedAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubmitTimeout = 20 * time.Millisecond
	h := newHarnessConfig(t, nil, cfg)
	h.q.SetClient(newBlockingClient())
	h.q.SetOnline(true)
	ctx := context.Background()

	id, err := h.q.AddToQueue(ctx, transfer("7"))
	require.NoError(t, err)
	_, err = h.q.ProcessTransaction(ctx, id)
	require.NoError(t, err)

	tx, _ := h.q.Get(id)
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, 1, tx.RetryCount)
	require.Contains(t, tx.Error, context.DeadlineExceeded.Error())
}

func TestSignerRejectionFailsWithoutRetry(t *testing.T) {
	cases := map[string]error{
		"address": fmt.Errorf("%w: recipient %q is not an EVM address", chain.ErrInvalidAddress, "sei1recipient"),
		"amount":  fmt.Errorf("%w: too large", chain.ErrInvalidAmount),
		"message": fmt.Errorf("%w: odd length hex", chain.ErrInvalidMessage),
	}
	for name, rejection := range cases {
		t.Run(name, func(t *testing.T) {
			obs := &recordingObserver{}
			h := newHarness(t, nil, WithObserver(obs))
			client := &stubClient{errs: []error{rejection}}
			h.q.SetClient(client)
			h.q.SetOnline(true)
			ctx := context.Background()

			id, err := h.q.AddToQueue(ctx, transfer("1"))
			require.NoError(t, err)
			_, err = h.q.ProcessTransaction(ctx, id)
			require.NoError(t, err)

			tx, _ := h.q.Get(id)
			require.Equal(t, StatusFailed, tx.Status)
			require.Equal(t, 3, tx.RetryCount)
			require.Equal(t, rejection.Error(), tx.Error)
			require.Empty(t, h.scheduled)
			require.Equal(t, 1, client.submitCount())
			require.Equal(t, []string{ResultInvalid}, obs.results)
		})
	}
}

// amountClient fails transfers of an amount a scripted number of times.
type amountClient struct {
	mu       sync.Mutex
	failures map[string]int
	attempts map[string]int
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (a *amountClient) Address() string { return "sei1amounts" }

func (a *amountClient) SubmitTransfer(_ context.Context, req chain.TransferRequest) (chain.Result, error) {
	if a.inflight.Add(1) > 1 {
		a.overlap.Store(true)
	}
	defer a.inflight.Add(-1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[req.Amount]++
	if a.failures[req.Amount] > 0 {
		a.failures[req.Amount]--
		return chain.Result{}, errors.New("node busy")
	}
	return chain.Result{TxHash: "0x" + req.Amount}, nil
}

func (a *amountClient) SubmitContractCall(context.Context, chain.ContractCallRequest) (chain.Result, error) {
	return chain.Result{}, errors.New("not supported")
}

func TestRunDrainsOfflineBacklogToTerminalStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := New(ctx, kvstore.NewMemoryStore(), Config{
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		ItemDelay:  2 * time.Millisecond,
	})
	require.NoError(t, err)

	client := &amountClient{
		failures: map[string]int{"2": 1, "4": 10},
		attempts: map[string]int{},
	}
	q.SetClient(client)

	amounts := []string{"1", "2", "3", "4", "5"}
	ids := make(map[string]string, len(amounts))
	for _, amt := range amounts {
		id, err := q.AddToQueue(ctx, transfer(amt))
		require.NoError(t, err)
		ids[amt] = id
	}

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	// offline: nothing moves
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, len(amounts), q.State().Counts[StatusPending])

	q.SetOnline(true)
	require.Eventually(t, func() bool {
		for _, tx := range q.List() {
			if !tx.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, amt := range []string{"1", "3", "5"} {
		tx, _ := q.Get(ids[amt])
		require.Equal(t, StatusSucceeded, tx.Status, amt)
		require.Zero(t, tx.RetryCount, amt)
	}
	retried, _ := q.Get(ids["2"])
	require.Equal(t, StatusSucceeded, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Equal(t, "0x2", retried.TxHash)

	exhausted, _ := q.Get(ids["4"])
	require.Equal(t, StatusFailed, exhausted.Status)
	require.Equal(t, 3, exhausted.RetryCount)

	client.mu.Lock()
	require.Equal(t, 3, client.attempts["4"])
	require.Equal(t, 2, client.attempts["2"])
	client.mu.Unlock()
	require.False(t, client.overlap.Load())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
