package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"readytrader/internal/logging"
)

// Approval modes accepted for execution.approval_mode.
const (
	ApprovalModeAuto        = "auto"
	ApprovalModeApproveEach = "approve_each"
)

// maxAgeEnvPrefix covers per-provider staleness overrides, e.g.
// MARKETDATA_MAX_AGE_MS_EXCHANGE_WS=2000.
const maxAgeEnvPrefix = "MARKETDATA_MAX_AGE_MS_"

// Config materialises application configuration. It is constructed once at
// startup and passed by reference; nothing below this layer reads the
// environment.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the proposal
// audit store. Empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MarketDataConfig governs router trust decisions.
type MarketDataConfig struct {
	FailClosed         bool             `mapstructure:"fail_closed"`
	MaxAgeMS           int64            `mapstructure:"max_age_ms"`
	MaxAgeMSByProvider map[string]int64 `mapstructure:"max_age_ms_by_provider"`
	OutlierMaxPct      float64          `mapstructure:"outlier_max_pct"`
	OutlierWindowMS    int64            `mapstructure:"outlier_window_ms"`
	Priority           map[string]int   `mapstructure:"priority"`
	IngestTTL          time.Duration    `mapstructure:"ingest_ttl"`
}

// ExecutionConfig governs the two-step approval workflow.
type ExecutionConfig struct {
	ApprovalMode       string        `mapstructure:"approval_mode"`
	ProposalTTL        time.Duration `mapstructure:"proposal_ttl"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
}

// PolicyConfig captures the operator deny-layer surface. Empty lists and
// zero limits mean "no restriction".
type PolicyConfig struct {
	AllowVenues           []string           `mapstructure:"allow_venues"`
	AllowSymbols          []string           `mapstructure:"allow_symbols"`
	AllowMarketTypes      []string           `mapstructure:"allow_market_types"`
	MaxOrderAmount        float64            `mapstructure:"max_order_amount"`
	MaxOrderAmountByVenue map[string]float64 `mapstructure:"max_order_amount_by_venue"`
}

// ProvidersConfig enables concrete market data providers.
type ProvidersConfig struct {
	REST    RESTProviderConfig    `mapstructure:"rest"`
	Redis   RedisProviderConfig   `mapstructure:"redis"`
	Onchain OnchainProviderConfig `mapstructure:"onchain"`
}

// RESTProviderConfig covers the pull-based HTTP connector.
type RESTProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RedisProviderConfig covers the shared push-ingestion store in Redis.
type RedisProviderConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OnchainProviderConfig covers Chainlink-style aggregator reads over RPC.
type OnchainProviderConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	AggregatorAddress string        `mapstructure:"aggregator_address"`
	Symbol            string        `mapstructure:"symbol"`
	Decimals          int32         `mapstructure:"decimals"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// NotifyConfig defines operator approval notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("READYTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindOperatorEnv(v)
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	mergeMaxAgeOverrides(&cfg, os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindOperatorEnv maps the historical flat operator variables onto config
// keys, so existing deployments keep working without the READYTRADER_ prefix.
func bindOperatorEnv(v *viper.Viper) {
	binds := map[string]string{
		"execution.approval_mode":      "EXECUTION_APPROVAL_MODE",
		"marketdata.fail_closed":       "MARKETDATA_FAIL_CLOSED",
		"marketdata.max_age_ms":        "MARKETDATA_MAX_AGE_MS",
		"marketdata.outlier_max_pct":   "MARKETDATA_OUTLIER_MAX_PCT",
		"marketdata.outlier_window_ms": "MARKETDATA_OUTLIER_WINDOW_MS",
		"policy.allow_venues":          "ALLOW_VENUES",
		"policy.allow_symbols":         "ALLOW_SYMBOLS",
		"policy.allow_market_types":    "ALLOW_MARKET_TYPES",
		"policy.max_order_amount":      "MAX_ORDER_AMOUNT",
		"execution.proposal_ttl":       "PROPOSAL_TTL_SECONDS",
		"database.dsn":                 "EXECUTION_DB_DSN",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

// mergeMaxAgeOverrides folds MARKETDATA_MAX_AGE_MS_<PROVIDER> variables into
// the per-provider staleness map. Provider ids are lowercased.
func mergeMaxAgeOverrides(cfg *Config, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, maxAgeEnvPrefix) {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(key, maxAgeEnvPrefix))
		if provider == "" {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			continue
		}
		if cfg.MarketData.MaxAgeMSByProvider == nil {
			cfg.MarketData.MaxAgeMSByProvider = make(map[string]int64)
		}
		cfg.MarketData.MaxAgeMSByProvider[provider] = ms
	}
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "readytrader")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.redact", true)

	v.SetDefault("marketdata.fail_closed", false)
	v.SetDefault("marketdata.max_age_ms", int64(30_000))
	v.SetDefault("marketdata.outlier_max_pct", 20.0)
	v.SetDefault("marketdata.outlier_window_ms", int64(10_000))
	v.SetDefault("marketdata.ingest_ttl", "60s")

	v.SetDefault("execution.approval_mode", ApprovalModeAuto)
	v.SetDefault("execution.proposal_ttl", "120s")
	v.SetDefault("execution.compaction_interval", "5m")

	v.SetDefault("providers.rest.request_timeout", "10s")
	v.SetDefault("providers.rest.user_agent", "readytrader/1.0")
	v.SetDefault("providers.redis.key_prefix", "readytrader:md")
	v.SetDefault("providers.redis.request_timeout", "2s")
	v.SetDefault("providers.onchain.request_timeout", "10s")
	v.SetDefault("providers.onchain.decimals", int32(8))

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringSecondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// stringSecondsToDurationHookFunc accepts bare integers for duration fields
// (PROPOSAL_TTL_SECONDS=120) alongside Go duration strings.
func stringSecondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != durationType {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Execution.ApprovalMode {
	case ApprovalModeAuto, ApprovalModeApproveEach:
	default:
		return fmt.Errorf("execution.approval_mode must be %q or %q", ApprovalModeAuto, ApprovalModeApproveEach)
	}
	if c.Execution.ProposalTTL <= 0 {
		return fmt.Errorf("execution.proposal_ttl must be greater than zero")
	}
	if c.MarketData.MaxAgeMS <= 0 {
		return fmt.Errorf("marketdata.max_age_ms must be greater than zero")
	}
	if c.MarketData.OutlierMaxPct < 0 {
		return fmt.Errorf("marketdata.outlier_max_pct cannot be negative")
	}
	if c.MarketData.OutlierWindowMS < 0 {
		return fmt.Errorf("marketdata.outlier_window_ms cannot be negative")
	}
	if c.Policy.MaxOrderAmount < 0 {
		return fmt.Errorf("policy.max_order_amount cannot be negative")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	return nil
}
