package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vbrwatch/vbr-monitor/internal/alerts"
	"github.com/vbrwatch/vbr-monitor/internal/cache"
	"github.com/vbrwatch/vbr-monitor/internal/config"
	"github.com/vbrwatch/vbr-monitor/internal/health"
	"github.com/vbrwatch/vbr-monitor/internal/monitor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: "info"},
		Upstream: config.UpstreamConfig{
			BaseURL:        "https://vbr.example.com:9419",
			Username:       "monitor",
			Password:       "secret",
			APIVersion:     "1.1-rev1",
			TLSVerify:      true,
			TokenFilePath:  filepath.Join(t.TempDir(), "tokens.json"),
			RequestTimeout: time.Second,
		},
		Poll: config.PollConfig{
			MainInterval:    time.Hour,
			HealthInterval:  time.Hour,
			MetricsInterval: time.Hour,
			DataTTL:         5 * time.Minute,
			HealthTTL:       30 * time.Second,
			MetricsTTL:      time.Minute,
		},
		Cache: config.CacheConfig{Backend: "memory", Namespace: "vbr-monitor"},
		Alerts: config.AlertsConfig{
			Holddown:   time.Hour,
			RecordTTL:  24 * time.Hour,
			CleanupAge: 30 * 24 * time.Hour,
			Rules: []config.AlertRuleConfig{
				{ID: "rule-jobs", Name: "Job failures", Type: "job_failure", Enabled: true, Messaging: []string{"ops"}},
			},
		},
		Notify:    config.NotifyConfig{Timeout: time.Second, Environment: "test"},
		Telemetry: config.TelemetryConfig{},
	}
}

func TestNewRuntimeWiresComponents(t *testing.T) {
	t.Parallel()

	runtime, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	if runtime.Handler() == nil {
		t.Fatal("handler should not be nil")
	}
	if runtime.Alerts() == nil {
		t.Fatal("alert engine should be wired")
	}
	rules := runtime.Alerts().Rules()
	if len(rules) != 1 || rules[0].ID != "rule-jobs" {
		t.Fatalf("rules = %+v, want configured rule loaded", rules)
	}
}

func TestNewRuntimeNilConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewRuntimeUnsupportedBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = "memcached"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unsupported cache backend")
	}
}

func TestRulesFromConfig(t *testing.T) {
	t.Parallel()

	rules := rulesFromConfig([]config.AlertRuleConfig{
		{
			ID:         "rule-storage",
			Name:       "Storage",
			Type:       "storage_threshold",
			Enabled:    true,
			Threshold:  0.9,
			Duration:   time.Minute,
			ScopeIDs:   []string{"repo-1"},
			Email:      []string{"ops@example.com"},
			Messaging:  []string{"ops"},
			WebhookURL: "https://hooks.example.com",
		},
	})
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	rule := rules[0]
	if rule.Type != alerts.TypeStorageThreshold {
		t.Fatalf("type = %s", rule.Type)
	}
	if rule.Conditions.Threshold != 0.9 || rule.Conditions.Duration != time.Minute {
		t.Fatalf("conditions = %+v", rule.Conditions)
	}
	if len(rule.Actions.Email) != 1 || rule.Actions.WebhookURL == "" {
		t.Fatalf("actions = %+v", rule.Actions)
	}
}

func TestCurrentStatusBeforeStart(t *testing.T) {
	t.Parallel()

	runtime, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	status := runtime.CurrentStatus(context.Background())
	if status.Ready {
		t.Fatal("runtime should not be ready before start")
	}
	if status.Mode != health.ModeUnhealthy {
		t.Fatalf("mode = %s, want %s", status.Mode, health.ModeUnhealthy)
	}
	// No health cycle has run yet, so the upstream defaults to reachable.
	if !status.Components["upstream"] {
		t.Fatal("upstream should default to healthy with no cached verdict")
	}
}

func TestUpstreamHealthyFromCachedStatus(t *testing.T) {
	t.Parallel()

	runtime, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	runtime.cache.Set(monitor.CacheKeyHealth, monitor.HealthStatus{
		Status:     "unhealthy",
		Components: map[string]bool{"upstream": false, "cache": true, "hub": true},
		Failing:    []string{"upstream"},
	}, time.Minute)
	if runtime.upstreamHealthy() {
		t.Fatal("cached unhealthy verdict should be reflected")
	}

	runtime.cache.Set(monitor.CacheKeyHealth, monitor.HealthStatus{
		Status:     "healthy",
		Components: map[string]bool{"upstream": true, "cache": true, "hub": true},
	}, time.Minute)
	if !runtime.upstreamHealthy() {
		t.Fatal("cached healthy verdict should be reflected")
	}
}

func TestUpstreamHealthyFromDecodedJSON(t *testing.T) {
	t.Parallel()

	runtime, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	// The Redis backend returns decoded JSON rather than the typed status.
	runtime.cache.Set(monitor.CacheKeyHealth, map[string]any{
		"status":     "unhealthy",
		"components": map[string]any{"upstream": false},
	}, time.Minute)
	if runtime.upstreamHealthy() {
		t.Fatal("decoded unhealthy verdict should be reflected")
	}

	runtime.cache.Set(monitor.CacheKeyHealth, map[string]any{
		"status": "healthy",
	}, time.Minute)
	if !runtime.upstreamHealthy() {
		t.Fatal("malformed verdict should default to healthy")
	}
}

func TestBuildCacheMemoryDefault(t *testing.T) {
	t.Parallel()

	store, closeFn, err := buildCache(config.CacheConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("build cache: %v", err)
	}
	if _, ok := store.(*cache.MemoryStore); !ok {
		t.Fatalf("store type = %T, want *cache.MemoryStore", store)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRuntimeStopIsIdempotent(t *testing.T) {
	t.Parallel()

	runtime, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	runtime.Stop()
	runtime.Stop()
}
