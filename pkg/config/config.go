// Package config loads the gateway's startup configuration: a YAML file
// describing each exchange plus optional .env overrides for credentials.
// The loader produces explicit ExchangeConfig values once at startup so
// no other component ever reads ambient environment state.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/veiloq/exchange-gateway/pkg/exchanges/interfaces"
)

// Duration wraps time.Duration so YAML values can be written in the
// usual "15s" / "500ms" form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ExchangeSettings is one exchange entry in the YAML file. Zero values
// fall back to the adapter defaults from NewExchangeConfig.
type ExchangeSettings struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`

	Testnet    bool   `yaml:"testnet"`
	MarketType string `yaml:"market_type"`

	MaxRequests  int      `yaml:"max_requests"`
	RateInterval Duration `yaml:"rate_interval"`

	EnableRateLimit *bool `yaml:"enable_rate_limit"`
	EnableLogging   *bool `yaml:"enable_logging"`

	HTTPTimeout Duration `yaml:"http_timeout"`
	MaxRetries  *uint    `yaml:"max_retries"`
	RetryDelay  Duration `yaml:"retry_delay"`
	RecvWindow  Duration `yaml:"recv_window"`
}

// Config is the root of the YAML file.
type Config struct {
	Exchanges map[string]ExchangeSettings `yaml:"exchanges"`
}

// Load reads the YAML file at path, then applies .env credential
// overrides when envPath names an existing file. Variables follow the
// BINANCE_API_KEY / BINANCE_API_SECRET / OKX_PASSPHRASE naming scheme.
func Load(path, envPath string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Exchanges) == 0 {
		return nil, fmt.Errorf("config %s declares no exchanges", path)
	}

	env := map[string]string{}
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			env, err = godotenv.Read(envPath)
			if err != nil {
				return nil, fmt.Errorf("reading env overrides: %w", err)
			}
		}
	}
	cfg.applyOverrides(env)
	return &cfg, nil
}

func (c *Config) applyOverrides(env map[string]string) {
	for name, settings := range c.Exchanges {
		prefix := strings.ToUpper(name) + "_"
		if v, ok := env[prefix+"API_KEY"]; ok {
			settings.APIKey = v
		}
		if v, ok := env[prefix+"API_SECRET"]; ok {
			settings.APISecret = v
		}
		if v, ok := env[prefix+"PASSPHRASE"]; ok {
			settings.Passphrase = v
		}
		c.Exchanges[name] = settings
	}
}

// Names returns the configured exchange names sorted for deterministic
// construction order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExchangeConfig converts one exchange entry into the adapter
// configuration, filling unset values with the defaults.
func (c *Config) ExchangeConfig(name string) (interfaces.ExchangeConfig, error) {
	settings, ok := c.Exchanges[name]
	if !ok {
		return interfaces.ExchangeConfig{}, fmt.Errorf("exchange %q not configured", name)
	}

	cfg := interfaces.NewExchangeConfig()
	cfg.APIKey = settings.APIKey
	cfg.APISecret = settings.APISecret
	cfg.Passphrase = settings.Passphrase
	cfg.Testnet = settings.Testnet

	switch settings.MarketType {
	case "", string(interfaces.MarketTypeSpot):
		cfg.MarketType = interfaces.MarketTypeSpot
	case string(interfaces.MarketTypeFutures):
		cfg.MarketType = interfaces.MarketTypeFutures
	default:
		return interfaces.ExchangeConfig{}, fmt.Errorf("exchange %q: unknown market type %q", name, settings.MarketType)
	}

	if settings.MaxRequests > 0 {
		cfg.MaxRequests = settings.MaxRequests
	}
	if settings.RateInterval > 0 {
		cfg.RateInterval = time.Duration(settings.RateInterval)
	}
	if settings.EnableRateLimit != nil {
		cfg.EnableRateLimit = *settings.EnableRateLimit
	}
	if settings.EnableLogging != nil {
		cfg.EnableLogging = *settings.EnableLogging
	}
	if settings.HTTPTimeout > 0 {
		cfg.HTTPTimeout = time.Duration(settings.HTTPTimeout)
	}
	if settings.MaxRetries != nil {
		cfg.MaxRetries = *settings.MaxRetries
	}
	if settings.RetryDelay > 0 {
		cfg.RetryDelay = time.Duration(settings.RetryDelay)
	}
	if settings.RecvWindow > 0 {
		cfg.RecvWindow = time.Duration(settings.RecvWindow)
	}
	return cfg, nil
}
