package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"seipulse/internal/chain"
	"seipulse/internal/config"
	"seipulse/internal/hmacauth"
	"seipulse/internal/kvstore"
	"seipulse/internal/prices"
	"seipulse/internal/txqueue"
	"seipulse/internal/wallet"
	"seipulse/internal/watchlist"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	idempotencyPrefix    = "idem:"
	maxBodyBytes         = 1 << 20
)

type BalanceReader interface {
	Balances(ctx context.Context, address string) (chain.Balances, error)
}

type NFTReader interface {
	NFTs(ctx context.Context, owner string) ([]chain.NFT, error)
}

type PriceReader interface {
	All(ctx context.Context) (map[string]prices.TokenPrice, error)
}

// Connectivity is the manual side of the online signal.
type Connectivity interface {
	Set(online bool)
	Online() bool
}

type Deps struct {
	Queue        *txqueue.Queue
	Store        kvstore.Store
	Signer       chain.Client
	Balances     BalanceReader
	NFTs         NFTReader
	Watchlist    *watchlist.Service
	Prices       PriceReader
	Connectivity Connectivity
	Metrics      *Metrics
	Logger       *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        *zap.Logger
	hmac       *hmacauth.Verifier
	metrics    *Metrics
	router     *mux.Router
	httpServer *http.Server

	// background work started by handlers runs on runCtx
	runCtx context.Context
	idemMu sync.Mutex
	now    func() time.Time

	storeHealthFn func(context.Context) error
	rpcHealthFn   func(context.Context) error
	lcdHealthFn   func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		metrics: metrics,
		runCtx:  context.Background(),
		now:     time.Now,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  log,
		},
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.storeHealthFn = checker.Ping
	}
	if checker, ok := deps.Signer.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if checker, ok := deps.Balances.(chain.HealthChecker); ok {
		s.lcdHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Handle("/api/v1/metrics", metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.hmac.Middleware)

	api.HandleFunc("/queue", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleListQueue).Methods(http.MethodGet)
	api.HandleFunc("/queue/clear-completed", s.handleClearCompleted).Methods(http.MethodPost)
	api.HandleFunc("/queue/process", s.handleProcess).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}", s.handleRemoveTransaction).Methods(http.MethodDelete)
	api.HandleFunc("/queue/{id}/retry", s.handleRetryTransaction).Methods(http.MethodPost)

	api.HandleFunc("/connectivity", s.handleGetConnectivity).Methods(http.MethodGet)
	api.HandleFunc("/connectivity", s.handleSetConnectivity).Methods(http.MethodPut)
	api.HandleFunc("/wallet/connect", s.handleWalletConnect).Methods(http.MethodPost)
	api.HandleFunc("/wallet/disconnect", s.handleWalletDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/wallets/generate", s.handleWalletGenerate).Methods(http.MethodPost)
	api.HandleFunc("/wallets/import", s.handleWalletImport).Methods(http.MethodPost)

	api.HandleFunc("/balances/{address}", s.handleBalances).Methods(http.MethodGet)
	api.HandleFunc("/nfts/{address}", s.handleNFTs).Methods(http.MethodGet)
	api.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)

	api.HandleFunc("/watchlist/addresses", s.handleListAddresses).Methods(http.MethodGet)
	api.HandleFunc("/watchlist/addresses", s.handleAddAddress).Methods(http.MethodPost)
	api.HandleFunc("/watchlist/addresses/{address}", s.handleRemoveAddress).Methods(http.MethodDelete)
	api.HandleFunc("/watchlist/tokens", s.handleListTokens).Methods(http.MethodGet)
	api.HandleFunc("/watchlist/tokens", s.handleAddToken).Methods(http.MethodPost)
	api.HandleFunc("/watchlist/tokens/{symbol}", s.handleRemoveToken).Methods(http.MethodDelete)
	api.HandleFunc("/watchlist/refresh", s.handleRefreshWatchlist).Methods(http.MethodPost)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. Background work triggered through the API
// is bound to ctx.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return false
	}
	return true
}

type enqueueResponse struct {
	ID     string         `json:"id"`
	Status txqueue.Status `json:"status"`
	Replay bool           `json:"replay,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var intent txqueue.Intent
	if !decodeBody(w, r, &intent) {
		return
	}
	if err := intent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if intent.Kind == txqueue.KindTransfer {
		if err := chain.ValidateRecipient(s.cfg.Chain.Bech32Prefix, intent.Recipient); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if checker, ok := s.deps.Signer.(chain.RecipientChecker); ok {
			if err := checker.CheckRecipient(intent.Recipient); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		id, err := s.deps.Queue.AddToQueue(ctx, intent)
		if err != nil {
			s.log.Error("enqueue", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store transaction")
			return
		}
		writeJSON(w, http.StatusCreated, enqueueResponse{ID: id, Status: txqueue.StatusPending})
		return
	}

	// serializes lookup and enqueue so one key can never create two items
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	rec, err := s.loadIdempotency(ctx, key)
	if err != nil {
		s.log.Error("idempotency lookup", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read idempotency key")
		return
	}
	if rec != nil {
		if tx, err := s.deps.Queue.Get(rec.TxID); err == nil {
			s.metrics.incReplay()
			writeJSON(w, http.StatusCreated, enqueueResponse{ID: tx.ID, Status: tx.Status, Replay: true})
			return
		}
		// the item was removed since, treat the key as fresh
	}

	id, err := s.deps.Queue.AddToQueue(ctx, intent)
	if err != nil {
		s.log.Error("enqueue", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store transaction")
		return
	}
	if err := s.saveIdempotency(ctx, key, id); err != nil {
		s.log.Warn("store idempotency key", zap.String("tx_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id, Status: txqueue.StatusPending})
}

type idempotencyRecord struct {
	TxID      string    `json:"txId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// loadIdempotency returns nil when the key is unknown, unreadable or expired.
// Expired records are deleted.
func (s *Server) loadIdempotency(ctx context.Context, key string) (*idempotencyRecord, error) {
	raw, err := s.deps.Store.Get(ctx, idempotencyPrefix+key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.TxID == "" {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		if err := s.deps.Store.Delete(ctx, idempotencyPrefix+key); err != nil {
			s.log.Warn("delete expired idempotency key", zap.Error(err))
		}
		return nil, nil
	}
	return &rec, nil
}

func (s *Server) saveIdempotency(ctx context.Context, key, txID string) error {
	now := s.now().UTC()
	rec := idempotencyRecord{TxID: txID, CreatedAt: now}
	window := s.cfg.Service.IdempotencyWindow
	if window > 0 {
		rec.ExpiresAt = now.Add(window)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if exp, ok := s.deps.Store.(kvstore.Expirer); ok && window > 0 {
		return exp.SetWithTTL(ctx, idempotencyPrefix+key, raw, window)
	}
	return s.deps.Store.Set(ctx, idempotencyPrefix+key, raw)
}

type queueResponse struct {
	State        txqueue.State         `json:"state"`
	Transactions []txqueue.Transaction `json:"transactions"`
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{
		State:        s.deps.Queue.State(),
		Transactions: s.deps.Queue.List(),
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Queue.Get(mux.Vars(r)["id"])
	if errors.Is(err, txqueue.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRemoveTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.RemoveFromQueue(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.log.Error("remove transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove transaction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.deps.Queue.RetryFailedTransaction(r.Context(), id)
	switch {
	case errors.Is(err, txqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, txqueue.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("retry transaction", zap.String("tx_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to requeue transaction")
	default:
		tx, _ := s.deps.Queue.Get(id)
		writeJSON(w, http.StatusOK, tx)
	}
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Queue.ClearCompletedTransactions(r.Context())
	if err != nil {
		s.log.Error("clear completed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := s.runCtx
	go func() {
		n, err := s.deps.Queue.ProcessQueue(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("manual drain", zap.Error(err))
			return
		}
		s.log.Info("manual drain finished", zap.Int("processed", n))
	}()
	writeJSON(w, http.StatusAccepted, s.deps.Queue.State())
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Queue.State().Online})
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	if s.deps.Connectivity != nil {
		s.deps.Connectivity.Set(*req.Online)
	} else {
		s.deps.Queue.SetOnline(*req.Online)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online})
}

func (s *Server) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signer == nil {
		writeError(w, http.StatusServiceUnavailable, "no signer configured")
		return
	}
	s.deps.Queue.SetClient(s.deps.Signer)
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

func (s *Server) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.SetClient(nil)
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

func (s *Server) handleWalletGenerate(w http.ResponseWriter, r *http.Request) {
	acc, err := wallet.Generate(s.cfg.Chain.Bech32Prefix)
	if err != nil {
		s.log.Error("generate wallet", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate wallet")
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

type importRequest struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) handleWalletImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acc, err := wallet.Import(s.cfg.Chain.Bech32Prefix, req.Mnemonic)
	if errors.Is(err, wallet.ErrInvalidMnemonic) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("import wallet", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to import wallet")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := chain.ValidateAddress(s.cfg.Chain.Bech32Prefix, address); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Balances == nil {
		writeError(w, http.StatusServiceUnavailable, "balance lookups are not configured")
		return
	}
	bal, err := s.deps.Balances.Balances(r.Context(), address)
	if err != nil {
		s.log.Warn("fetch balances", zap.String("address", address), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch balances")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleNFTs(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := chain.ValidateAddress(s.cfg.Chain.Bech32Prefix, address); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.NFTs == nil {
		writeError(w, http.StatusServiceUnavailable, "nft lookups are not configured")
		return
	}
	nfts, err := s.deps.NFTs.NFTs(r.Context(), address)
	if err != nil {
		s.log.Warn("fetch nfts", zap.String("address", address), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch nfts")
		return
	}
	if nfts == nil {
		nfts = []chain.NFT{}
	}
	writeJSON(w, http.StatusOK, nfts)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		writeError(w, http.StatusServiceUnavailable, "prices are not configured")
		return
	}
	all, err := s.deps.Prices.All(r.Context())
	if err != nil {
		s.log.Warn("fetch prices", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch prices")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Watchlist.Addresses())
}

type addAddressRequest struct {
	Address string `json:"address"`
	Label   string `json:"label"`
}

func (s *Server) handleAddAddress(w http.ResponseWriter, r *http.Request) {
	var req addAddressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := s.deps.Watchlist.AddAddress(r.Context(), req.Address, req.Label)
	if err != nil {
		s.writeWatchlistError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveAddress(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watchlist.RemoveAddress(r.Context(), mux.Vars(r)["address"]); err != nil {
		s.writeWatchlistError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Watchlist.Tokens())
}

type addTokenRequest struct {
	Symbol          string `json:"symbol"`
	ContractAddress string `json:"contractAddress"`
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := s.deps.Watchlist.AddToken(r.Context(), req.Symbol, req.ContractAddress)
	if err != nil {
		s.writeWatchlistError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watchlist.RemoveToken(r.Context(), mux.Vars(r)["symbol"]); err != nil {
		s.writeWatchlistError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watchlist.Refresh(r.Context()); err != nil {
		s.log.Warn("watchlist refresh", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store refreshed watchlist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": s.deps.Watchlist.Addresses(),
		"tokens":    s.deps.Watchlist.Tokens(),
	})
}

func (s *Server) writeWatchlistError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watchlist.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, watchlist.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("watchlist", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update watchlist")
	}
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func checkComponent(ctx context.Context, fn func(context.Context) error) componentHealth {
	if fn == nil {
		return componentHealth{Connected: true}
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(pctx); err != nil {
		return componentHealth{Connected: false, Error: err.Error()}
	}
	return componentHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rpcInfo := checkComponent(ctx, s.rpcHealthFn)
	lcdInfo := checkComponent(ctx, s.lcdHealthFn)
	storeInfo := checkComponent(ctx, s.storeHealthFn)
	state := s.deps.Queue.State()

	// the chain endpoints being down is the offline case the queue exists for
	healthy := storeInfo.Connected
	status := "healthy"
	switch {
	case !healthy:
		status = "unhealthy"
	case !rpcInfo.Connected || !lcdInfo.Connected:
		status = "degraded"
	}

	resp := struct {
		Status     string                 `json:"status"`
		RPC        componentHealth        `json:"rpc"`
		LCD        componentHealth        `json:"lcd"`
		Store      componentHealth        `json:"store"`
		Online     bool                   `json:"online"`
		QueueDepth int                    `json:"queue_depth"`
		Counts     map[txqueue.Status]int `json:"counts"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		LCD:        lcdInfo,
		Store:      storeInfo,
		Online:     state.Online,
		QueueDepth: state.Counts[txqueue.StatusPending] + state.Counts[txqueue.StatusProcessing],
		Counts:     state.Counts,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}
