package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Listen   ListenConfig   `mapstructure:"listen"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Language LanguageConfig `mapstructure:"language"`
	Log      LogConfig      `mapstructure:"log"`
	Admin    AdminConfig    `mapstructure:"admin"`

	// AllowList holds individual IPs and CIDR ranges. Empty allows all.
	AllowList []string `mapstructure:"allow_list"`

	// RequestTimeoutSec bounds total request lifetime.
	RequestTimeoutSec int `mapstructure:"request_timeout_sec"`
}

// ListenConfig is the ingress bind.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// BackendConfig points at the upstream inference server.
type BackendConfig struct {
	URL                 string `mapstructure:"url"`
	MaxIdleConns        int    `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int    `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int    `mapstructure:"max_conns_per_host"`
	IdleConnTimeoutSec  int    `mapstructure:"idle_conn_timeout_sec"`
}

// ScannerConfig names one scanner plus its per-scanner params.
type ScannerConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

// GuardConfig controls the scan pipelines.
type GuardConfig struct {
	InputEnabled        bool            `mapstructure:"input_enabled"`
	OutputEnabled       bool            `mapstructure:"output_enabled"`
	InputScanners       []ScannerConfig `mapstructure:"input_scanners"`
	OutputScanners      []ScannerConfig `mapstructure:"output_scanners"`
	ScanPolicy          string          `mapstructure:"scan_policy"` // run_all, fail_fast
	BlockOnScannerError bool            `mapstructure:"block_on_scanner_error"`
	ScanTimeoutSec      int             `mapstructure:"scan_timeout_sec"`
	ScanEmbeddings      bool            `mapstructure:"scan_embeddings"`
}

// QueueConfig controls per-model admission.
type QueueConfig struct {
	// ParallelLimit is an integer or "auto" (derived from host memory).
	ParallelLimit string                 `mapstructure:"parallel_limit"`
	QueueLimit    int                    `mapstructure:"queue_limit"`
	Models        map[string]ModelLimits `mapstructure:"models"` // per-model overrides
}

// ModelLimits overrides the default limits for one model.
type ModelLimits struct {
	ParallelLimit int `mapstructure:"parallel_limit"`
	QueueLimit    int `mapstructure:"queue_limit"`
}

// CacheConfig controls scan verdict memoization.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"` // memory, external
	TTLSec     int    `mapstructure:"ttl_sec"`
	MaxEntries int    `mapstructure:"max_entries"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	RedisPass  string `mapstructure:"redis_password"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// StreamConfig tunes the output-scan mediator.
type StreamConfig struct {
	ScanBytes      int `mapstructure:"scan_bytes"`       // scan trigger threshold
	ScanMs         int `mapstructure:"scan_ms"`          // periodic scan tick
	MaxBufferBytes int `mapstructure:"max_buffer_bytes"` // hard cap, forces a scan
}

// LanguageConfig controls response localization.
type LanguageConfig struct {
	DetectionEnabled bool `mapstructure:"detection_enabled"`
}

// LogConfig mirrors the logger factory options.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig controls the admin surface.
type AdminConfig struct {
	// HideScannerDetail strips scanner names and risk scores from external
	// block responses; the event sink always receives the full detail.
	HideScannerDetail bool `mapstructure:"hide_scanner_detail"`
}

// Load reads layered config: defaults, then /etc/modelgate, then ./config,
// then ., then MODELGATE_* env overrides.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads from an explicit file when path is non-empty; otherwise the
// layered search is used.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range []string{"/etc/modelgate", "./config", "."} {
			candidate := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				v2 := viper.New()
				v2.SetConfigFile(candidate)
				if err := v2.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("failed to read config %s: %w", candidate, err)
				}
				_ = v.MergeConfigMap(v2.AllSettings())
			}
		}
	}

	v.SetEnvPrefix("MODELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 11435)
	v.SetDefault("listen.mode", "release")

	v.SetDefault("backend.url", "http://127.0.0.1:11434")
	v.SetDefault("backend.max_idle_conns", 32)
	v.SetDefault("backend.max_idle_conns_per_host", 16)
	v.SetDefault("backend.idle_conn_timeout_sec", 90)

	v.SetDefault("guard.input_enabled", true)
	v.SetDefault("guard.output_enabled", true)
	v.SetDefault("guard.scan_policy", "fail_fast")
	v.SetDefault("guard.block_on_scanner_error", true)
	v.SetDefault("guard.scan_timeout_sec", 30)
	v.SetDefault("guard.scan_embeddings", false)

	v.SetDefault("queue.parallel_limit", "auto")
	v.SetDefault("queue.queue_limit", 100)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_sec", 300)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.key_prefix", "modelgate:scan:")

	v.SetDefault("stream.scan_bytes", 512)
	v.SetDefault("stream.scan_ms", 1000)
	v.SetDefault("stream.max_buffer_bytes", 64*1024)

	v.SetDefault("language.detection_enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("request_timeout_sec", 300)
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.Listen.Port)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("config: backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}
	switch c.Guard.ScanPolicy {
	case "run_all", "fail_fast":
	default:
		return fmt.Errorf("config: guard.scan_policy must be run_all or fail_fast, got %q", c.Guard.ScanPolicy)
	}
	switch c.Cache.Backend {
	case "memory", "external":
	default:
		return fmt.Errorf("config: cache.backend must be memory or external, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "external" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("config: cache.redis_addr is required with the external backend")
	}
	if _, err := c.ParallelLimit(); err != nil {
		return err
	}
	if c.Queue.QueueLimit < 0 {
		return fmt.Errorf("config: queue.queue_limit must be >= 0")
	}
	for _, entry := range c.AllowList {
		if err := validateAllowEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// ParallelLimit resolves the configured parallel limit. The "auto" sentinel
// is resolved once by the caller (cmd wiring) against host memory; here it
// returns 0 to mean auto.
func (c *Config) ParallelLimit() (int, error) {
	raw := strings.TrimSpace(c.Queue.ParallelLimit)
	if raw == "" || raw == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("config: queue.parallel_limit must be a positive integer or \"auto\", got %q", raw)
	}
	return n, nil
}

func validateAllowEntry(entry string) error {
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("config: invalid CIDR %q in allow_list", entry)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return fmt.Errorf("config: invalid IP %q in allow_list", entry)
	}
	return nil
}

// Redacted returns a copy safe to expose on GET /config.
func (c *Config) Redacted() Config {
	out := *c
	out.Cache.RedisPass = ""
	return out
}
