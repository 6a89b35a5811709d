package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the process-wide settings object. It is built once at startup and
// passed explicitly; only tests may rebuild it.
type Config struct {
	// Core
	DatabaseURL string
	Debug       bool

	// Execution modes and safety gates
	EnableLiveTrading    bool
	TradingDisableLive   bool // master kill switch; true ⇒ LIVE confirmations rejected
	DemoSafeMode         bool // true ⇒ LIVE CRYPTO execution blocked at the execution node
	ForcePaperMode       bool
	ExecutionModeDefault string
	LiveMaxNotionalUSD   decimal.Decimal
	ExecutionTimeout     time.Duration

	// Market data
	MarketDataMode string // only "coinbase" supported

	// Stock asset class
	StockWatchlist          []string
	StockRateLimitPerMinute int
	StockExecutionMode      string
	StockTicketTTL          time.Duration

	// Broker credentials (Coinbase CDP)
	CoinbaseAPIBase           string
	CoinbaseExchangeBase      string
	CoinbaseAPIKeyName        string
	CoinbaseAPIPrivateKey     string
	CoinbaseAPIPrivateKeyPath string

	// Confirmation / debug
	ConfirmationTTL time.Duration
	DebugMinRules   bool

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Reasoner
	ReasonerAPIKey string
	ReasonerModel  string
}

// Load reads configuration from the environment. It fails fast on settings the
// service cannot run with (unsupported MARKET_DATA_MODE).
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "data/execdesk.db"),
		Debug:       getEnvBool("DEBUG", false),

		EnableLiveTrading:    getEnvBool("ENABLE_LIVE_TRADING", false),
		TradingDisableLive:   getEnvBool("TRADING_DISABLE_LIVE", true),
		DemoSafeMode:         getEnvBool("DEMO_SAFE_MODE", true),
		ForcePaperMode:       getEnvBool("FORCE_PAPER_MODE", false),
		ExecutionModeDefault: strings.ToUpper(getEnv("EXECUTION_MODE_DEFAULT", "PAPER")),
		LiveMaxNotionalUSD:   getEnvDecimal("LIVE_MAX_NOTIONAL_USD", decimal.NewFromFloat(20.0)),
		ExecutionTimeout:     time.Duration(getEnvInt("EXECUTION_TIMEOUT_SECONDS", 60)) * time.Second,

		MarketDataMode: getEnv("MARKET_DATA_MODE", "coinbase"),

		StockWatchlist:          splitList(getEnv("STOCK_WATCHLIST", "AAPL,MSFT,NVDA,TSLA,SPY")),
		StockRateLimitPerMinute: getEnvInt("STOCK_RATE_LIMIT_PER_MINUTE", 5),
		StockExecutionMode:      getEnv("STOCK_EXECUTION_MODE", "ASSISTED_LIVE"),
		StockTicketTTL:          time.Duration(getEnvInt("STOCK_TICKET_TTL_HOURS", 24)) * time.Hour,

		CoinbaseAPIBase:           strings.TrimRight(getEnv("COINBASE_API_BASE", "https://api.coinbase.com"), "/"),
		CoinbaseExchangeBase:      strings.TrimRight(getEnv("COINBASE_EXCHANGE_BASE", "https://api.exchange.coinbase.com"), "/"),
		CoinbaseAPIKeyName:        strings.TrimSpace(os.Getenv("COINBASE_API_KEY_NAME")),
		CoinbaseAPIPrivateKey:     os.Getenv("COINBASE_API_PRIVATE_KEY"),
		CoinbaseAPIPrivateKeyPath: strings.TrimSpace(os.Getenv("COINBASE_API_PRIVATE_KEY_PATH")),

		ConfirmationTTL: getEnvDuration("CONFIRMATION_TTL", 300*time.Second),
		DebugMinRules:   getEnvBool("DEBUG_MIN_RULES", false),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		ReasonerAPIKey: os.Getenv("REASONER_API_KEY"),
		ReasonerModel:  getEnv("REASONER_MODEL", "gpt-4o-mini"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.MarketDataMode != "coinbase" {
		return nil, fmt.Errorf("invalid MARKET_DATA_MODE=%q: only \"coinbase\" is supported", cfg.MarketDataMode)
	}

	return cfg, nil
}

// PrivateKeyPEM resolves the broker private key, preferring the file path form.
func (c *Config) PrivateKeyPEM() (string, error) {
	if c.CoinbaseAPIPrivateKeyPath != "" {
		data, err := os.ReadFile(c.CoinbaseAPIPrivateKeyPath)
		if err != nil {
			return "", fmt.Errorf("read COINBASE_API_PRIVATE_KEY_PATH: %w", err)
		}
		return string(data), nil
	}
	if c.CoinbaseAPIPrivateKey != "" {
		return normalizeMultiline(c.CoinbaseAPIPrivateKey), nil
	}
	return "", fmt.Errorf("coinbase private key not configured")
}

// HasBrokerCredentials reports whether authenticated broker calls are possible.
func (c *Config) HasBrokerCredentials() bool {
	return c.CoinbaseAPIKeyName != "" &&
		(c.CoinbaseAPIPrivateKey != "" || c.CoinbaseAPIPrivateKeyPath != "")
}

// LiveExecutionAllowed is the single gate for placing real orders.
func (c *Config) LiveExecutionAllowed() bool {
	if c.TradingDisableLive || c.DemoSafeMode {
		return false
	}
	return c.EnableLiveTrading
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// .env private keys often arrive with literal \n escapes.
func normalizeMultiline(s string) string {
	if strings.Contains(s, `\n`) {
		return strings.ReplaceAll(s, `\n`, "\n")
	}
	return s
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.ToLower(strings.TrimSpace(os.Getenv(key))); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
