package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFrom(writeConfig(t, "{}"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	if cfg.Listen.Port != 11435 {
		t.Errorf("listen.port = %d", cfg.Listen.Port)
	}
	if cfg.Backend.URL != "http://127.0.0.1:11434" {
		t.Errorf("backend.url = %q", cfg.Backend.URL)
	}
	if !cfg.Guard.InputEnabled || !cfg.Guard.OutputEnabled {
		t.Error("guard stages should default on")
	}
	if cfg.Guard.ScanPolicy != "fail_fast" {
		t.Errorf("scan_policy = %q", cfg.Guard.ScanPolicy)
	}
	if !cfg.Guard.BlockOnScannerError {
		t.Error("block_on_scanner_error should default on")
	}
	if cfg.Guard.ScanEmbeddings {
		t.Error("scan_embeddings should default off")
	}
	if cfg.Queue.ParallelLimit != "auto" {
		t.Errorf("parallel_limit = %q", cfg.Queue.ParallelLimit)
	}
	if cfg.Queue.QueueLimit != 100 {
		t.Errorf("queue_limit = %d", cfg.Queue.QueueLimit)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.TTLSec != 300 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Stream.ScanBytes != 512 || cfg.Stream.ScanMs != 1000 || cfg.Stream.MaxBufferBytes != 64*1024 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if !cfg.Language.DetectionEnabled {
		t.Error("language detection should default on")
	}
	if cfg.RequestTimeoutSec != 300 {
		t.Errorf("request_timeout_sec = %d", cfg.RequestTimeoutSec)
	}
	if len(cfg.AllowList) != 0 {
		t.Errorf("allow_list = %v", cfg.AllowList)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9000
backend:
  url: http://10.0.0.5:11434
guard:
  scan_policy: run_all
  input_scanners:
    - name: PromptInjection
    - name: BanSubstrings
      params:
        substrings: ["forbidden"]
queue:
  parallel_limit: "4"
  models:
    llama3:
      parallel_limit: 2
      queue_limit: 20
allow_list:
  - 10.0.0.0/8
  - 192.168.1.50
`)
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 9000 {
		t.Errorf("listen.port = %d", cfg.Listen.Port)
	}
	if cfg.Backend.URL != "http://10.0.0.5:11434" {
		t.Errorf("backend.url = %q", cfg.Backend.URL)
	}
	if cfg.Guard.ScanPolicy != "run_all" {
		t.Errorf("scan_policy = %q", cfg.Guard.ScanPolicy)
	}
	if len(cfg.Guard.InputScanners) != 2 || cfg.Guard.InputScanners[0].Name != "PromptInjection" {
		t.Fatalf("input_scanners = %+v", cfg.Guard.InputScanners)
	}
	if _, ok := cfg.Guard.InputScanners[1].Params["substrings"]; !ok {
		t.Errorf("scanner params lost: %+v", cfg.Guard.InputScanners[1])
	}
	n, err := cfg.ParallelLimit()
	if err != nil || n != 4 {
		t.Errorf("ParallelLimit() = %d, %v", n, err)
	}
	m, ok := cfg.Queue.Models["llama3"]
	if !ok || m.ParallelLimit != 2 || m.QueueLimit != 20 {
		t.Errorf("models = %+v", cfg.Queue.Models)
	}
	if len(cfg.AllowList) != 2 {
		t.Errorf("allow_list = %v", cfg.AllowList)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	if _, err := LoadFrom("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Listen.Port = 0 }, "listen port"},
		{"port too high", func(c *Config) { c.Listen.Port = 70000 }, "listen port"},
		{"empty backend url", func(c *Config) { c.Backend.URL = "" }, "backend.url"},
		{"non-http backend url", func(c *Config) { c.Backend.URL = "ftp://host" }, "backend.url"},
		{"bad scan policy", func(c *Config) { c.Guard.ScanPolicy = "sometimes" }, "scan_policy"},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "disk" }, "cache.backend"},
		{"external without addr", func(c *Config) { c.Cache.Backend = "external" }, "redis_addr"},
		{"bad parallel limit", func(c *Config) { c.Queue.ParallelLimit = "many" }, "parallel_limit"},
		{"zero parallel limit", func(c *Config) { c.Queue.ParallelLimit = "0" }, "parallel_limit"},
		{"negative queue limit", func(c *Config) { c.Queue.QueueLimit = -1 }, "queue_limit"},
		{"bad allow ip", func(c *Config) { c.AllowList = []string{"not-an-ip"} }, "allow_list"},
		{"bad allow cidr", func(c *Config) { c.AllowList = []string{"10.0.0.0/99"} }, "allow_list"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParallelLimitAuto(t *testing.T) {
	cfg := defaultConfig(t)
	for _, raw := range []string{"auto", "", "  auto  "} {
		cfg.Queue.ParallelLimit = raw
		n, err := cfg.ParallelLimit()
		if err != nil || n != 0 {
			t.Errorf("ParallelLimit(%q) = %d, %v, want auto sentinel 0", raw, n, err)
		}
	}
}

func TestRedacted(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Cache.RedisPass = "hunter2"
	out := cfg.Redacted()
	if out.Cache.RedisPass != "" {
		t.Fatal("redis password leaked through Redacted")
	}
	if cfg.Cache.RedisPass != "hunter2" {
		t.Fatal("Redacted mutated the original")
	}
}
