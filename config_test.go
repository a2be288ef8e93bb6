package flux

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	raw := `
max_queue_size: 5000
batch_size: 10
processing_interval: 50ms
max_retries: 5
retry_delays: [1s, 5s, 30s]
worker_count: 8
rate_limit: 200
rate_burst: 50
metrics: false
`
	path := filepath.Join(t.TempDir(), "flux.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MaxQueueSize != 5000 || cfg.BatchSize != 10 {
		t.Errorf("queue/batch = %d/%d", cfg.MaxQueueSize, cfg.BatchSize)
	}
	if time.Duration(cfg.ProcessingInterval) != 50*time.Millisecond {
		t.Errorf("interval = %v", time.Duration(cfg.ProcessingInterval))
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 5 {
		t.Errorf("max retries = %v", cfg.MaxRetries)
	}
	if len(cfg.RetryDelays) != 3 || time.Duration(cfg.RetryDelays[2]) != 30*time.Second {
		t.Errorf("retry delays = %v", cfg.RetryDelays)
	}
	if cfg.WorkerCount != 8 || cfg.RateLimit != 200 || cfg.RateBurst != 50 {
		t.Errorf("workers/rate = %d/%v/%d", cfg.WorkerCount, cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.Metrics == nil || *cfg.Metrics {
		t.Error("metrics should be disabled")
	}
	if cfg.Tracing != nil {
		t.Error("tracing should be unset")
	}

	// Partial configs only contribute the options they set.
	if got := len((&Config{BatchSize: 3}).Options()); got != 1 {
		t.Errorf("partial config options = %d, want 1", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("processing_interval: [nope"), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
