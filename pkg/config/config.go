// Package config loads the benchmark settings from the Java-style
// config.properties file shared with the other latency clients.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/hftbench/pkg/protocol"
)

// FileName is the default properties file name.
const FileName = "config.properties"

// EnvPrefix prefixes environment overrides, e.g. HFT_TEST_SIZE.
const EnvPrefix = "HFT"

// ErrInvalidConfig is returned for unparsable or out-of-range settings.
var ErrInvalidConfig = errors.New("invalid config")

// SearchPaths are tried in order by LoadOrDefault.
var SearchPaths = []string{
	FileName,
	"../java_client/src/main/resources/" + FileName,
}

// Property keys
const (
	KeyCoinPairs          = "COINPAIRS"
	KeyHost               = "HOST"
	KeyHTTPPort           = "HTTP_PORT"
	KeyWebSocketPort      = "WEBSOCKET_PORT"
	KeyAPIToken           = "API_TOKEN"
	KeyTestSize           = "TEST_SIZE"
	KeyReportInterval     = "REPORT_INTERVAL"
	KeyClientCount        = "EXCHANGE_CLIENT_COUNT"
	KeyWarmupCount        = "WARMUP_COUNT"
	KeyUseSSL             = "USE_SSL"
	KeyKeyStorePath       = "KEY_STORE_PATH"
	KeyKeyStorePassword   = "KEY_STORE_PASSWORD"
	KeyCiphers            = "CIPHERS"
	KeyTLSInsecure        = "TLS_INSECURE_SKIP_VERIFY"
	KeyPingInterval       = "PING_INTERVAL"
	KeySignificantFigures = "HISTOGRAM_SIGNIFICANT_FIGURES"
	KeyChannel            = "CHANNEL"
	KeyOrderSide          = "ORDER_SIDE"
	KeyOrderPrice         = "ORDER_PRICE"
	KeyOrderAmount        = "ORDER_AMOUNT"
	KeyPendingTimeout     = "PENDING_TIMEOUT"
	KeyOutputDir          = "OUTPUT_DIR"
	KeyFundAccounts       = "FUND_ACCOUNTS"
	KeyFundAmount         = "FUND_AMOUNT"
	KeyMetricsAddr        = "METRICS_ADDR"
	KeyNATSURL            = "NATS_URL"
	KeyNATSSubject        = "NATS_SUBJECT"
	KeyResultsDBDir       = "RESULTS_DB_DIR"
	KeyLogLevel           = "LOG_LEVEL"
)

// Config holds every benchmark setting. It is not modified after Load.
type Config struct {
	CoinPairs     []string
	Host          string
	HTTPPort      int
	WebSocketPort int
	APIToken      uint32

	TestSize            int
	ReportInterval      int
	ExchangeClientCount int
	// WarmupCount is in rounds per client. The Java client reads the same
	// key as a multiple of TEST_SIZE messages.
	WarmupCount int

	UseSSL           bool
	KeyStorePath     string
	KeyStorePassword string
	Ciphers          []string
	TLSInsecure      bool
	PingInterval     time.Duration

	SignificantFigures int

	Channel     string
	OrderSide   string
	OrderPrice  decimal.Decimal
	OrderAmount decimal.Decimal

	PendingTimeout time.Duration
	OutputDir      string

	FundAccounts bool
	FundAmount   decimal.Decimal

	MetricsAddr  string
	NATSURL      string
	NATSSubject  string
	ResultsDBDir string
	LogLevel     string
}

var defaults = map[string]any{
	KeyCoinPairs:          "BTC_USDT,BTC_CHF,BTC_EUR,BTC_USDC",
	KeyHost:               "localhost",
	KeyHTTPPort:           8888,
	KeyWebSocketPort:      8888,
	KeyAPIToken:           3001,
	KeyTestSize:           10,
	KeyReportInterval:     0,
	KeyClientCount:        1,
	KeyWarmupCount:        0,
	KeyUseSSL:             false,
	KeyKeyStorePath:       "",
	KeyKeyStorePassword:   "",
	KeyCiphers:            "ECDHE-RSA-AES128-GCM-SHA256,ECDHE-RSA-AES256-GCM-SHA384,TLS_AES_128_GCM_SHA256,TLS_AES_256_GCM_SHA384",
	KeyTLSInsecure:        false,
	KeyPingInterval:       5000,
	KeySignificantFigures: 5,
	KeyChannel:            protocol.DefaultChannel,
	KeyOrderSide:          protocol.SideBuy,
	KeyOrderPrice:         "1",
	KeyOrderAmount:        "1",
	KeyPendingTimeout:     0,
	KeyOutputDir:          ".",
	KeyFundAccounts:       false,
	KeyFundAmount:         "100000000",
	KeyMetricsAddr:        "",
	KeyNATSURL:            "",
	KeyNATSSubject:        "hftbench.snapshots",
	KeyResultsDBDir:       "",
	KeyLogLevel:           "info",
}

// Command line flags and the properties they override.
var flagKeys = map[string]string{
	"host":            KeyHost,
	"http-port":       KeyHTTPPort,
	"ws-port":         KeyWebSocketPort,
	"api-token":       KeyAPIToken,
	"test-size":       KeyTestSize,
	"report":          KeyReportInterval,
	"clients":         KeyClientCount,
	"warmup":          KeyWarmupCount,
	"ssl":             KeyUseSSL,
	"output-dir":      KeyOutputDir,
	"fund":            KeyFundAccounts,
	"metrics-addr":    KeyMetricsAddr,
	"nats-url":        KeyNATSURL,
	"results-db":      KeyResultsDBDir,
	"log-level":       KeyLogLevel,
	"pending-timeout": KeyPendingTimeout,
}

// RegisterFlags adds the override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "exchange host")
	fs.Int("http-port", 0, "exchange HTTP port")
	fs.Int("ws-port", 0, "exchange WebSocket port")
	fs.Uint32("api-token", 0, "API token of the first client")
	fs.Int("test-size", 0, "total number of create/cancel rounds")
	fs.Int("report", 0, "rounds between reports (0 means once at the end)")
	fs.Int("clients", 0, "number of concurrent exchange clients")
	fs.Int("warmup", 0, "rounds per client excluded from the histogram")
	fs.Bool("ssl", false, "connect with TLS")
	fs.String("output-dir", "", "directory for histogram logs")
	fs.Bool("fund", false, "fund client accounts before connecting")
	fs.String("metrics-addr", "", "address to serve Prometheus metrics on")
	fs.String("nats-url", "", "NATS server to publish snapshots to")
	fs.String("results-db", "", "directory for the results database")
	fs.String("log-level", "", "log level")
	fs.Int("pending-timeout", 0, "milliseconds before an unanswered request is dropped")
}

// Default returns the built-in settings without environment overrides.
func Default() *Config {
	cfg, err := read(newViper(false), nil)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the properties file at path. Environment variables and changed
// flags in fs (which may be nil) override file values.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	return LoadReader(f, fs)
}

// LoadReader is Load for properties content from r.
func LoadReader(r io.Reader, fs *pflag.FlagSet) (*Config, error) {
	v := newViper(true)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("%w: parse properties: %v", ErrInvalidConfig, err)
	}
	return read(v, fs)
}

// LoadOrDefault loads the first of SearchPaths that exists and falls back to
// the defaults when none does. A file that exists but does not load is an
// error.
func LoadOrDefault(logger log.Logger, fs *pflag.FlagSet) (*Config, error) {
	for _, path := range SearchPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path, fs)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded configuration", "path", path)
		return cfg, nil
	}

	logger.Warn("No config.properties found, using defaults")
	return read(newViper(true), fs)
}

func newViper(env bool) *viper.Viper {
	v := viper.NewWithOptions(viper.WithCodecRegistry(codecRegistry()))
	v.SetConfigType(configType)
	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.AutomaticEnv()
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func read(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil && flag.Changed {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	p := parser{v: v}
	cfg := &Config{
		CoinPairs:     p.list(KeyCoinPairs),
		Host:          p.str(KeyHost),
		HTTPPort:      p.integer(KeyHTTPPort),
		WebSocketPort: p.integer(KeyWebSocketPort),
		APIToken:      p.token(KeyAPIToken),

		TestSize:            p.integer(KeyTestSize),
		ReportInterval:      p.integer(KeyReportInterval),
		ExchangeClientCount: p.integer(KeyClientCount),
		WarmupCount:         p.integer(KeyWarmupCount),

		UseSSL:           p.boolean(KeyUseSSL),
		KeyStorePath:     p.str(KeyKeyStorePath),
		KeyStorePassword: p.str(KeyKeyStorePassword),
		Ciphers:          p.list(KeyCiphers),
		TLSInsecure:      p.boolean(KeyTLSInsecure),
		PingInterval:     p.millis(KeyPingInterval),

		SignificantFigures: p.integer(KeySignificantFigures),

		Channel:     p.str(KeyChannel),
		OrderSide:   strings.ToUpper(p.str(KeyOrderSide)),
		OrderPrice:  p.decimal(KeyOrderPrice),
		OrderAmount: p.decimal(KeyOrderAmount),

		PendingTimeout: p.millis(KeyPendingTimeout),
		OutputDir:      p.str(KeyOutputDir),

		FundAccounts: p.boolean(KeyFundAccounts),
		FundAmount:   p.decimal(KeyFundAmount),

		MetricsAddr:  p.str(KeyMetricsAddr),
		NATSURL:      p.str(KeyNATSURL),
		NATSSubject:  p.str(KeyNATSSubject),
		ResultsDBDir: p.str(KeyResultsDBDir),
		LogLevel:     p.str(KeyLogLevel),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parser keeps the first conversion error so read stays linear.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key, value, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: failed to parse property %s: invalid %s: %q", ErrInvalidConfig, key, want, value)
	}
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) list(key string) []string {
	var out []string
	for _, item := range strings.Split(p.str(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) integer(key string) int {
	value := p.str(key)
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "integer")
		return 0
	}
	return n
}

func (p *parser) token(key string) uint32 {
	value := p.str(key)
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		p.fail(key, value, "u32")
		return 0
	}
	return uint32(n)
}

// Booleans follow java.lang.Boolean: anything but "true" is false.
func (p *parser) boolean(key string) bool {
	return strings.EqualFold(p.str(key), "true")
}

func (p *parser) millis(key string) time.Duration {
	return time.Duration(p.integer(key)) * time.Millisecond
}

func (p *parser) decimal(key string) decimal.Decimal {
	value := p.str(key)
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(key, value, "decimal")
		return decimal.Zero
	}
	return d
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case len(c.CoinPairs) == 0:
		return fmt.Errorf("%w: %s must name at least one instrument", ErrInvalidConfig, KeyCoinPairs)
	case c.Host == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyHost)
	case !validPort(c.HTTPPort):
		return fmt.Errorf("%w: %s must be between 1 and 65535, got %d", ErrInvalidConfig, KeyHTTPPort, c.HTTPPort)
	case !validPort(c.WebSocketPort):
		return fmt.Errorf("%w: %s must be between 1 and 65535, got %d", ErrInvalidConfig, KeyWebSocketPort, c.WebSocketPort)
	case c.TestSize <= 0:
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, KeyTestSize, c.TestSize)
	case c.ReportInterval < 0:
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidConfig, KeyReportInterval, c.ReportInterval)
	case c.ExchangeClientCount <= 0:
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, KeyClientCount, c.ExchangeClientCount)
	case c.TestSize < c.ExchangeClientCount:
		return fmt.Errorf("%w: %s (%d) is smaller than %s (%d)",
			ErrInvalidConfig, KeyTestSize, c.TestSize, KeyClientCount, c.ExchangeClientCount)
	case c.WarmupCount < 0:
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidConfig, KeyWarmupCount, c.WarmupCount)
	case c.SignificantFigures < 1 || c.SignificantFigures > 5:
		return fmt.Errorf("%w: %s must be between 1 and 5, got %d", ErrInvalidConfig, KeySignificantFigures, c.SignificantFigures)
	case c.PingInterval < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, KeyPingInterval)
	case c.PendingTimeout < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, KeyPendingTimeout)
	case c.Channel == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyChannel)
	case c.OrderSide != protocol.SideBuy && c.OrderSide != protocol.SideSell:
		return fmt.Errorf("%w: %s must be %s or %s, got %q",
			ErrInvalidConfig, KeyOrderSide, protocol.SideBuy, protocol.SideSell, c.OrderSide)
	case !c.OrderPrice.IsPositive():
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyOrderPrice)
	case !c.OrderAmount.IsPositive():
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyOrderAmount)
	case c.FundAccounts && !c.FundAmount.IsPositive():
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyFundAmount)
	case c.UseSSL && c.KeyStorePath != "" && c.KeyStorePassword == "":
		return fmt.Errorf("%w: %s is required with %s", ErrInvalidConfig, KeyKeyStorePassword, KeyKeyStorePath)
	}
	if _, err := log.ToLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyLogLevel, err)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// WebSocketURL is ws://host:port, or wss:// with USE_SSL.
func (c *Config) WebSocketURL() string {
	scheme := "ws"
	if c.UseSSL {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.WebSocketPort))
}

// HTTPURL is the base of the account funding endpoint.
func (c *Config) HTTPURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// Currencies returns every currency named by the coin pairs, in first-seen
// order and without duplicates. BTC_EUR names BTC and EUR.
func (c *Config) Currencies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, pair := range c.CoinPairs {
		for _, currency := range strings.Split(pair, "_") {
			if currency == "" || seen[currency] {
				continue
			}
			seen[currency] = true
			out = append(out, currency)
		}
	}
	return out
}

// OrderParams returns the fixed order fields every CREATE_ORDER carries.
func (c *Config) OrderParams() protocol.OrderParams {
	params := protocol.DefaultOrderParams()
	params.Side = c.OrderSide
	params.Price = c.OrderPrice
	params.Amount = c.OrderAmount
	return params
}

// ClientToken is the API token of client i: API_TOKEN + i.
func (c *Config) ClientToken(i int) string {
	return strconv.FormatUint(uint64(c.APIToken)+uint64(i), 10)
}

// ClientTestSize splits TEST_SIZE across the clients. The first
// TestSize % ExchangeClientCount clients run one extra round.
func (c *Config) ClientTestSize(i int) int {
	size := c.TestSize / c.ExchangeClientCount
	if i < c.TestSize%c.ExchangeClientCount {
		size++
	}
	return size
}

// Log writes every setting at debug level. The keystore password is masked.
func (c *Config) Log(logger log.Logger) {
	password := ""
	if c.KeyStorePassword != "" {
		password = "****"
	}
	logger.Debug("Configuration",
		"coin_pairs", strings.Join(c.CoinPairs, ","),
		"host", c.Host,
		"http_port", c.HTTPPort,
		"websocket_port", c.WebSocketPort,
		"api_token", c.APIToken,
		"test_size", c.TestSize,
		"report_interval", c.ReportInterval,
		"exchange_client_count", c.ExchangeClientCount,
		"warmup_count", c.WarmupCount,
		"use_ssl", c.UseSSL,
		"key_store_path", c.KeyStorePath,
		"key_store_password", password,
		"ciphers", strings.Join(c.Ciphers, ","),
		"tls_insecure_skip_verify", c.TLSInsecure,
		"ping_interval", c.PingInterval,
		"histogram_significant_figures", c.SignificantFigures,
		"pending_timeout", c.PendingTimeout,
		"output_dir", c.OutputDir,
	)
}
