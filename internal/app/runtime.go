package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vbrwatch/vbr-monitor/internal/alerts"
	"github.com/vbrwatch/vbr-monitor/internal/cache"
	"github.com/vbrwatch/vbr-monitor/internal/config"
	"github.com/vbrwatch/vbr-monitor/internal/health"
	"github.com/vbrwatch/vbr-monitor/internal/hub"
	"github.com/vbrwatch/vbr-monitor/internal/metrics"
	"github.com/vbrwatch/vbr-monitor/internal/monitor"
	"github.com/vbrwatch/vbr-monitor/internal/vbr"
	"github.com/vbrwatch/vbr-monitor/internal/version"
)

// alertCleanupInterval is how often resolved alerts past their retention age
// are purged.
const alertCleanupInterval = 12 * time.Hour

// Runtime wires the engine's components together: cache, upstream session and
// client, broadcast hub, alert engine, and the polling monitor. It implements
// health.Provider for the health endpoints.
type Runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	cache      cache.Store
	closeCache func() error
	session    *vbr.Session
	client     *vbr.Client
	hub        *hub.Hub
	engine     *alerts.Engine
	monitor    *monitor.Monitor
	evaluator  *health.StatusEvaluator
}

// New constructs the runtime from validated configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()

	store, closeCache, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	m.RegisterCacheStats(func() (hits, misses, size float64) {
		stats := store.Stats()
		return float64(stats.Hits), float64(stats.Misses), float64(stats.Size)
	})

	session, err := vbr.NewSession(vbr.SessionConfig{
		BaseURL:       cfg.Upstream.BaseURL,
		Username:      cfg.Upstream.Username,
		Password:      cfg.Upstream.Password,
		APIVersion:    cfg.Upstream.APIVersion,
		TLSVerify:     cfg.Upstream.TLSVerify,
		TokenFilePath: cfg.Upstream.TokenFilePath,
		Timeout:       cfg.Upstream.RequestTimeout,
	}, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("build upstream session: %w", err)
	}

	client, err := vbr.NewClient(vbr.ClientConfig{
		BaseURL:    cfg.Upstream.BaseURL,
		APIVersion: cfg.Upstream.APIVersion,
		TLSVerify:  cfg.Upstream.TLSVerify,
		Timeout:    cfg.Upstream.RequestTimeout,
	}, session, logger.Named("client"))
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	eventHub := hub.New(logger.Named("hub"))
	m.RegisterSubscriberCounts(eventHub.SubscriberCounts)

	notifier := alerts.NewNotifier(alerts.NotifierConfig{
		MessagingBaseURL: cfg.Notify.MessagingBaseURL,
		MessagingToken:   cfg.Notify.MessagingToken,
		Timeout:          cfg.Notify.Timeout,
		System:           "vbr-monitor",
		Version:          version.Version,
		Environment:      cfg.Notify.Environment,
	}, nil, m, logger.Named("notify"))

	engine := alerts.NewEngine(alerts.EngineConfig{
		Holddown:   cfg.Alerts.Holddown,
		RecordTTL:  cfg.Alerts.RecordTTL,
		CleanupAge: cfg.Alerts.CleanupAge,
	}, rulesFromConfig(cfg.Alerts.Rules), store, eventHub, notifier, m, logger.Named("alerts"))

	mon := monitor.New(monitor.Config{
		MainInterval:    cfg.Poll.MainInterval,
		HealthInterval:  cfg.Poll.HealthInterval,
		MetricsInterval: cfg.Poll.MetricsInterval,
		DataTTL:         cfg.Poll.DataTTL,
		HealthTTL:       cfg.Poll.HealthTTL,
		MetricsTTL:      cfg.Poll.MetricsTTL,
	}, client, store, eventHub, engine, m, logger.Named("monitor"))

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		cache:      store,
		closeCache: closeCache,
		session:    session,
		client:     client,
		hub:        eventHub,
		engine:     engine,
		monitor:    mon,
		evaluator:  health.NewStatusEvaluator(),
	}, nil
}

func buildCache(cfg config.CacheConfig) (cache.Store, func() error, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := cache.NewRedisStore(client, cache.RedisStoreConfig{Namespace: cfg.Namespace})
		return store, store.Close, nil
	case "memory", "":
		store := cache.NewMemoryStore()
		return store, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

func rulesFromConfig(ruleConfigs []config.AlertRuleConfig) []alerts.Rule {
	rules := make([]alerts.Rule, 0, len(ruleConfigs))
	for _, rc := range ruleConfigs {
		rules = append(rules, alerts.Rule{
			ID:      rc.ID,
			Name:    rc.Name,
			Type:    alerts.Type(rc.Type),
			Enabled: rc.Enabled,
			Conditions: alerts.RuleConditions{
				Threshold: rc.Threshold,
				Duration:  rc.Duration,
				ScopeIDs:  rc.ScopeIDs,
			},
			Actions: alerts.RuleActions{
				Email:      rc.Email,
				Messaging:  rc.Messaging,
				WebhookURL: rc.WebhookURL,
			},
		})
	}
	return rules
}

// Start launches background work: the cache sweeper (memory backend only),
// the polling monitor, and the periodic alert retention cleanup.
func (r *Runtime) Start(ctx context.Context) {
	if memStore, ok := r.cache.(*cache.MemoryStore); ok && r.cfg.Cache.SweepInterval > 0 {
		memStore.StartSweeper(ctx, r.cfg.Cache.SweepInterval)
	}

	r.monitor.Start(ctx)

	go func() {
		ticker := time.NewTicker(alertCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.engine.Cleanup()
			}
		}
	}()
}

// Stop halts the polling monitor (which also shuts down the hub, notifying
// websocket observers) and closes the cache backend. Idempotent.
func (r *Runtime) Stop() {
	r.monitor.Stop()
	if r.closeCache != nil {
		if err := r.closeCache(); err != nil {
			r.logger.Warn("cache close failed", zap.Error(err))
		}
	}
}

// Handler returns the HTTP surface: metrics, health probes, and the
// websocket endpoint.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(
		r.metrics.Handler(),
		health.NewHandler(r),
		hub.NewWebsocketHandler(r.hub, r.logger.Named("ws")),
	)
}

// Alerts exposes the alert engine for operational tooling.
func (r *Runtime) Alerts() *alerts.Engine {
	return r.engine
}

// CurrentStatus implements health.Provider. Upstream health comes from the
// most recent health-cycle result in the cache; with no result yet the
// upstream is assumed reachable so startup does not flap readiness.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	return r.evaluator.Evaluate(health.Input{
		MonitorRunning:  r.monitor.IsRunning(),
		CacheHealthy:    r.cache.Healthy(),
		HubHealthy:      r.hub.Healthy(),
		UpstreamHealthy: r.upstreamHealthy(),
	})
}

// upstreamHealthy reads the cached health-cycle verdict. The memory backend
// returns the typed status; the Redis backend returns decoded JSON.
func (r *Runtime) upstreamHealthy() bool {
	value, ok := r.cache.Get(monitor.CacheKeyHealth)
	if !ok {
		return true
	}
	switch status := value.(type) {
	case monitor.HealthStatus:
		return status.Components["upstream"]
	case map[string]any:
		components, ok := status["components"].(map[string]any)
		if !ok {
			return true
		}
		healthy, ok := components["upstream"].(bool)
		return !ok || healthy
	default:
		return true
	}
}
