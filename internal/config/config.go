package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainFile models the optional chain.json describing the target network.
type ChainFile struct {
	ChainID        string            `json:"chainId"`
	ChainName      string            `json:"chainName"`
	RPC            string            `json:"rpc"`
	REST           string            `json:"rest"`
	Websocket      string            `json:"websocket"`
	EVMRPC         string            `json:"evmRpc"`
	EVMChainID     int64             `json:"evmChainId"`
	Bech32Prefix   string            `json:"bech32Prefix"`
	CoinDenom      string            `json:"coinDenom"`
	MinimalDenom   string            `json:"coinMinimalDenom"`
	CoinDecimals   int32             `json:"coinDecimals"`
	Tokens         map[string]string `json:"tokens"`
	NFTCollections map[string]string `json:"nftCollections"`
}

// DefaultChain is Sei mainnet.
func DefaultChain() ChainFile {
	return ChainFile{
		ChainID:        "pacific-1",
		ChainName:      "Sei Network",
		RPC:            "https://rpc.sei-apis.com",
		REST:           "https://rest.sei-apis.com",
		Websocket:      "wss://rpc.sei-apis.com/websocket",
		EVMRPC:         "https://evm-rpc.sei-apis.com",
		EVMChainID:     1329,
		Bech32Prefix:   "sei",
		CoinDenom:      "SEI",
		MinimalDenom:   "usei",
		CoinDecimals:   6,
		Tokens:         map[string]string{},
		NFTCollections: map[string]string{},
	}
}

type AppConfig struct {
	Env          string
	Service      ServiceConfig
	Chain        ChainConfig
	Queue        QueueConfig
	Store        StoreConfig
	Events       EventsConfig
	Connectivity ConnectivityConfig
	Watchlist    WatchlistConfig
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration

	// IdempotencyWindow bounds how long an X-Idempotency-Key maps to its transaction.
	IdempotencyWindow time.Duration
}

type ChainConfig struct {
	ChainFile
	PrivateKey string
	// SignerMode is "evm" for the real signer, "fake" for the deterministic
	// development one or "none". The fake signer is never picked implicitly.
	SignerMode string
	// AutoConnect installs the signer at startup instead of waiting for the wallet connect call.
	AutoConnect bool
}

type QueueConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	ItemDelay     time.Duration
	SubmitTimeout time.Duration
}

type StoreConfig struct {
	Backend   string // memory, file, postgres, redis
	Path      string
	DSN       string
	RedisAddr string
	RedisDB   int
	KeyPrefix string
}

type EventsConfig struct {
	Backend      string // none, redis, kafka
	Topic        string
	KafkaBrokers []string
	RedisAddr    string
	StreamMaxLen int64
}

type ConnectivityConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type WatchlistConfig struct {
	RefreshInterval time.Duration
	CoinGeckoURL    string
	DexScreenerURL  string
	PriceTTL        time.Duration
	// SubscribeBlocks refreshes on NewBlock events from the chain websocket.
	SubscribeBlocks bool
	BlockMinGap     time.Duration
	ReconnectDelay  time.Duration
}

// Load reads .env (when present), the optional chain file and the environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	chainFile := DefaultChain()
	if path := envOr("CHAIN_CONFIG_PATH", ""); path != "" {
		loaded, err := loadChainFile(path)
		if err != nil {
			return nil, fmt.Errorf("load chain config: %w", err)
		}
		chainFile = *loaded
	}
	chainFile.RPC = envOr("SEI_RPC_URL", chainFile.RPC)
	chainFile.REST = envOr("SEI_REST_URL", chainFile.REST)
	chainFile.Websocket = envOr("SEI_WS_URL", chainFile.Websocket)
	chainFile.EVMRPC = envOr("SEI_EVM_RPC_URL", chainFile.EVMRPC)
	chainFile.EVMChainID = int64(envOrInt("SEI_EVM_CHAIN_ID", int(chainFile.EVMChainID)))

	cfg := &AppConfig{
		Env: envOr("APP_ENV", "development"),
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:        envOr("HMAC_SECRET", ""),
			HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		},
		Chain: ChainConfig{
			ChainFile:   chainFile,
			PrivateKey:  envOr("SIGNER_PRIVATE_KEY", ""),
			SignerMode:  strings.ToLower(envOr("SIGNER_MODE", "")),
			AutoConnect: envOrBool("SIGNER_AUTO_CONNECT", true),
		},
		Queue: QueueConfig{
			MaxRetries:    envOrInt("QUEUE_MAX_RETRIES", 3),
			RetryDelay:    time.Duration(envOrInt("QUEUE_RETRY_DELAY_MS", 5000)) * time.Millisecond,
			ItemDelay:     time.Duration(envOrInt("QUEUE_ITEM_DELAY_MS", 1000)) * time.Millisecond,
			SubmitTimeout: time.Duration(envOrInt("QUEUE_SUBMIT_TIMEOUT_MS", 0)) * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:   strings.ToLower(envOr("STORE_BACKEND", "file")),
			Path:      envOr("STORE_PATH", filepath.Join(os.TempDir(), "seipulse-store.json")),
			DSN:       envOr("DATABASE_URL", ""),
			RedisAddr: envOr("REDIS_ADDR", "localhost:6379"),
			RedisDB:   envOrInt("REDIS_DB", 0),
			KeyPrefix: envOr("STORE_KEY_PREFIX", "seipulse:"),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(envOr("EVENTS_BACKEND", "none")),
			Topic:        envOr("EVENTS_TOPIC", "seipulse.tx.status"),
			KafkaBrokers: splitList(envOr("KAFKA_BROKERS", "localhost:9092")),
			RedisAddr:    envOr("EVENTS_REDIS_ADDR", envOr("REDIS_ADDR", "localhost:6379")),
			StreamMaxLen: int64(envOrInt("EVENTS_STREAM_MAXLEN", 10000)),
		},
		Connectivity: ConnectivityConfig{
			Interval: time.Duration(envOrInt("CONNECTIVITY_INTERVAL_SECONDS", 10)) * time.Second,
			Timeout:  time.Duration(envOrInt("CONNECTIVITY_TIMEOUT_SECONDS", 5)) * time.Second,
		},
		Watchlist: WatchlistConfig{
			RefreshInterval: time.Duration(envOrInt("WATCHLIST_REFRESH_SECONDS", 30)) * time.Second,
			CoinGeckoURL:    envOr("COINGECKO_URL", "https://api.coingecko.com/api/v3"),
			DexScreenerURL:  envOr("DEXSCREENER_URL", "https://api.dexscreener.com/latest/dex"),
			PriceTTL:        time.Duration(envOrInt("PRICE_TTL_SECONDS", 30)) * time.Second,
			SubscribeBlocks: envOrBool("WATCHLIST_SUBSCRIBE_BLOCKS", true),
			BlockMinGap:     time.Duration(envOrInt("WATCHLIST_BLOCK_MIN_GAP_SECONDS", 5)) * time.Second,
			ReconnectDelay:  time.Duration(envOrInt("WATCHLIST_RECONNECT_SECONDS", 5)) * time.Second,
		},
	}

	if cfg.Chain.SignerMode == "" {
		cfg.Chain.SignerMode = "none"
		if cfg.Chain.PrivateKey != "" {
			cfg.Chain.SignerMode = "evm"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Store.Backend {
	case "memory", "file", "redis":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Events.Backend {
	case "none", "redis", "kafka":
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.Events.Backend)
	}
	switch c.Chain.SignerMode {
	case "none":
	case "fake":
		if c.Env == "production" {
			return errors.New("SIGNER_MODE=fake is not allowed in production")
		}
	case "evm":
		if c.Chain.PrivateKey == "" {
			return errors.New("SIGNER_PRIVATE_KEY is required for the evm signer")
		}
	default:
		return fmt.Errorf("unknown SIGNER_MODE %q", c.Chain.SignerMode)
	}
	if c.Chain.Bech32Prefix == "" {
		return errors.New("chain bech32 prefix is required")
	}
	return nil
}

func loadChainFile(path string) (*ChainFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultChain()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
	if cfg.NFTCollections == nil {
		cfg.NFTCollections = map[string]string{}
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
