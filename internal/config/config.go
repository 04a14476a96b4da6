// Package config loads and validates configuration for the arbitrage engine.
//
// Config is assembled from up to three JSON files merged in order — common,
// then environment-specific, then an optional local override — via viper's
// layered merge, then validated once at startup. Configuration errors are
// fatal (spec.md §7).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Env is the recognized deployment environment.
type Env string

const (
	EnvDev  Env = "dev"
	EnvTest Env = "test"
	EnvProd Env = "prod"
)

// Config is the top-level configuration, merged from configs/common.json,
// configs/{env}.json, and configs/{env}.local.json.
type Config struct {
	Env      Env             `mapstructure:"env"`
	Debug    bool            `mapstructure:"debug"`
	OrderMode string         `mapstructure:"order_mode"`
	Log      LogConfig       `mapstructure:"log"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Network  NetworkConfig   `mapstructure:"network"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Symbols  []SymbolConfig  `mapstructure:"cross_arbitrage_symbol_datas"`
	SymbolNames map[string]SymbolNameEntry `mapstructure:"symbol_name_datas"`
	OutputData OutputDataConfig `mapstructure:"output_data"`
	Dashboard DashboardConfig  `mapstructure:"dashboard"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

type RedisConfig struct {
	URL                  string `mapstructure:"url"`
	OrderbookStream      string `mapstructure:"orderbook_stream"`
	OrderbookStreamSize  int64  `mapstructure:"orderbook_stream_size"`
}

type NetworkConfig struct {
	HTTPProxy  string `mapstructure:"http_proxy"`
	HTTPSProxy string `mapstructure:"https_proxy"`
}

type ExchangeConfig struct {
	APIKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Password    string `mapstructure:"password"`
	BaseURL     string `mapstructure:"base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
}

// ThresholdData is one direction's static configured thresholds.
type ThresholdData struct {
	IncreasePositionThreshold       float64       `mapstructure:"increase"`
	DecreasePositionThreshold       float64       `mapstructure:"decrease"`
	CancelIncreasePositionThreshold float64       `mapstructure:"cancel_increase"`
	CancelDecreasePositionThreshold float64       `mapstructure:"cancel_decrease"`
	CancelPositionTimeout           time.Duration `mapstructure:"cancel_position_timeout"`
}

// SymbolConfig is one entry of cross_arbitrage_symbol_datas.
type SymbolConfig struct {
	SymbolName            string        `mapstructure:"symbol_name"`
	MakeonlyExchangeName   string        `mapstructure:"makeonly_exchange_name"`
	LongThresholdData      ThresholdData `mapstructure:"long_threshold_data"`
	ShortThresholdData     ThresholdData `mapstructure:"short_threshold_data"`
	MaxNotionalPerOrder    float64       `mapstructure:"max_notional_per_order"`
	MaxNotionalPerSymbol   float64       `mapstructure:"max_notional_per_symbol"`
	MaxUsedMargin          float64       `mapstructure:"max_used_margin"`
	SymbolLeverage         int           `mapstructure:"symbol_leverage"`
}

// SymbolNameEntry maps a canonical symbol to each venue's native name. Either
// form from spec.md §6 is accepted: a bare native name string, or an object
// with name + multiplier. Viper/mapstructure decodes the object form
// directly; the bare-string form is normalized in Load.
type SymbolNameEntry struct {
	VenueA VenueNameOrEntry `mapstructure:"venue_a"`
	VenueB VenueNameOrEntry `mapstructure:"venue_b"`
	CCXT   string           `mapstructure:"ccxt"`
}

type VenueNameOrEntry struct {
	Name       string  `mapstructure:"name"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type OutputDataConfig struct {
	OrderLoop string `mapstructure:"order_loop"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// defaults registers viper defaults for the non-threshold settings (env,
// order_mode, log, redis, output_data, dashboard) ahead of the file merge.
// Threshold and per-symbol limit defaults are filled after unmarshal by
// applyThresholdDefaults.
func defaults(v *viper.Viper) {
	v.SetDefault("env", string(EnvDev))
	v.SetDefault("order_mode", string("normal"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.orderbook_stream", "orderbook_stream")
	v.SetDefault("redis.orderbook_stream_size", 2_000_000)
	v.SetDefault("output_data.order_loop", "output/order_loop.csv")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)
}

// Load merges configs/common.json, configs/{env}.json, and, if present,
// configs/{env}.local.json, in that order, then unmarshals into Config.
// Env vars prefixed ARB_ override any field (ARB_REDIS_URL, etc.).
func Load(dir string, env Env) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	defaults(v)

	loadedAny := false
	for _, path := range []string{
		filepath.Join(dir, "common.json"),
		filepath.Join(dir, string(env)+".json"),
		filepath.Join(dir, string(env)+".local.json"),
	} {
		ok, err := mergeFileIfExists(v, path, !loadedAny)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		loadedAny = loadedAny || ok
	}

	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToVenueNameOrEntryHookFunc,
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = Env(v.GetString("env"))

	applyThresholdDefaults(&cfg)

	return &cfg, nil
}

// stringToVenueNameOrEntryHookFunc accepts the bare-string shorthand for a
// per-venue symbol mapping ("BNBUSDT") as equivalent to {"name": "BNBUSDT"}
// (spec.md §6).
func stringToVenueNameOrEntryHookFunc(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	if to != reflect.TypeOf(VenueNameOrEntry{}) {
		return data, nil
	}
	return map[string]interface{}{"name": data}, nil
}

// mergeFileIfExists merges path into v if it exists, reporting whether it
// did. first selects ReadInConfig (establishes the base) vs MergeInConfig
// (layers on top) per viper's API.
func mergeFileIfExists(v *viper.Viper, path string, first bool) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	v.SetConfigFile(path)
	if first {
		return true, v.ReadInConfig()
	}
	return true, v.MergeInConfig()
}

// applyThresholdDefaults fills any zero-valued threshold field with spec.md
// §6's stated defaults: increase=±0.0012, decrease=±0.0002, cancel ratios
// 0.75/0.25 between them, cancel_position_timeout=120s.
func applyThresholdDefaults(cfg *Config) {
	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		fillDirectionalDefaults(&s.LongThresholdData, -1)
		fillDirectionalDefaults(&s.ShortThresholdData, 1)
		if s.MaxNotionalPerOrder == 0 {
			s.MaxNotionalPerOrder = 20
		}
		if s.MaxNotionalPerSymbol == 0 {
			s.MaxNotionalPerSymbol = 100
		}
		if s.MaxUsedMargin == 0 {
			s.MaxUsedMargin = 0.9
		}
		if s.SymbolLeverage == 0 {
			s.SymbolLeverage = 2
		}
	}
}

// fillDirectionalDefaults fills zero fields for one direction with spec.md
// §6's stated defaults. sign is -1 for the long side (thresholds negative)
// and +1 for the short side (thresholds positive, mirrored).
func fillDirectionalDefaults(t *ThresholdData, sign float64) {
	if t.IncreasePositionThreshold == 0 {
		t.IncreasePositionThreshold = sign * 0.0012
	}
	if t.DecreasePositionThreshold == 0 {
		t.DecreasePositionThreshold = sign * 0.0002
	}
	if t.CancelIncreasePositionThreshold == 0 {
		// 0.75 of the way from decrease toward increase
		t.CancelIncreasePositionThreshold = t.DecreasePositionThreshold + 0.75*(t.IncreasePositionThreshold-t.DecreasePositionThreshold)
	}
	if t.CancelDecreasePositionThreshold == 0 {
		t.CancelDecreasePositionThreshold = t.DecreasePositionThreshold + 0.25*(t.IncreasePositionThreshold-t.DecreasePositionThreshold)
	}
	if t.CancelPositionTimeout == 0 {
		t.CancelPositionTimeout = 120 * time.Second
	}
}

// Validate checks required fields and the threshold ordering invariant
// (spec.md §3: increase < cancel_increase < cancel_decrease < decrease <= 0
// for long, mirrored for short).
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if len(c.Exchanges) < 2 {
		return fmt.Errorf("exchanges: at least two venues must be configured")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("cross_arbitrage_symbol_datas: at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if s.SymbolName == "" {
			return fmt.Errorf("symbol entry missing symbol_name")
		}
		if err := validateDirectional(s.LongThresholdData, true); err != nil {
			return fmt.Errorf("%s: long thresholds: %w", s.SymbolName, err)
		}
		if err := validateDirectional(s.ShortThresholdData, false); err != nil {
			return fmt.Errorf("%s: short thresholds: %w", s.SymbolName, err)
		}
	}
	return nil
}

func validateDirectional(t ThresholdData, long bool) error {
	if long {
		if !(t.IncreasePositionThreshold < t.CancelIncreasePositionThreshold &&
			t.CancelIncreasePositionThreshold < t.CancelDecreasePositionThreshold &&
			t.CancelDecreasePositionThreshold < t.DecreasePositionThreshold &&
			t.DecreasePositionThreshold <= 0) {
			return fmt.Errorf("must satisfy increase < cancel_increase < cancel_decrease < decrease <= 0")
		}
		return nil
	}
	if !(t.IncreasePositionThreshold > t.CancelIncreasePositionThreshold &&
		t.CancelIncreasePositionThreshold > t.CancelDecreasePositionThreshold &&
		t.CancelDecreasePositionThreshold > t.DecreasePositionThreshold &&
		t.DecreasePositionThreshold >= 0) {
		return fmt.Errorf("must satisfy increase > cancel_increase > cancel_decrease > decrease >= 0")
	}
	return nil
}
