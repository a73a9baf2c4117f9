package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete service configuration, loadable from
// environment variables (PAYMENTS_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (PAYMENTS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisAddr    string `default:"" usage:"Redis address for the order lease and the open payments cache; empty keeps both in process" flag:"redis-addr"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (PAYMENTS_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Gateway      GatewayConfig
	Lease        LeaseConfig
	Cache        CacheConfig
	Graceful     GracefulConfig
}

// GatewayConfig selects the payment gateway.
type GatewayConfig struct {
	Label string `default:"courierPaymentGateway" usage:"Gateway label written to every payment record"`
}

// LeaseConfig controls the per-order redis lease.
type LeaseConfig struct {
	TTL           time.Duration `default:"1m"    usage:"Lease expiry if the holder dies"`
	RetryInterval time.Duration `default:"100ms" usage:"Delay between lease attempts" flag:"lease-retry-interval"`
	RetryLimit    int           `default:"50"    usage:"Lease attempts before giving up" flag:"lease-retry-limit"`
}

// CacheConfig controls the open payments cache.
type CacheConfig struct {
	TTL time.Duration `default:"5m" usage:"Open payments cache entry lifetime" flag:"cache-ttl"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from command line flags, environment
// variables, YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		Args:      args,
		EnvPrefix: "PAYMENTS",
		Files:     []string{"config.yaml", "/etc/payments/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set PAYMENTS_DATABASE_URL or DATABASE_URL")
	}
	if c.Lease.TTL <= 0 {
		return errors.Errorf("lease TTL must be positive, got %s", c.Lease.TTL)
	}
	if c.Cache.TTL <= 0 {
		return errors.Errorf("cache TTL must be positive, got %s", c.Cache.TTL)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_ADDR and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
