package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vbrwatch/vbr-monitor/internal/alerts"
	"github.com/vbrwatch/vbr-monitor/internal/cache"
	"github.com/vbrwatch/vbr-monitor/internal/hub"
	"github.com/vbrwatch/vbr-monitor/internal/metrics"
	"github.com/vbrwatch/vbr-monitor/internal/vbr"
)

// Cache keys owned by the polling cycles. Each cycle only writes keys it
// owns, so overlapping ticks need no mutual exclusion.
const (
	CacheKeyJobs         = "data:jobs"
	CacheKeyRepositories = "data:repositories"
	CacheKeySessions     = "data:sessions"
	CacheKeyDashboard    = "data:dashboard"
	CacheKeyHealth       = "health:status"
	CacheKeyMetrics      = "metrics:system"
)

// Storage thresholds for repository usage alerts.
const (
	storageWarnRatio = 0.85
	storageHighRatio = 0.95
)

// HealthUnhealthyAlertID is the deterministic id for health-cycle alerts.
const HealthUnhealthyAlertID = "health-unhealthy"

type upstream interface {
	JobStates(ctx context.Context) vbr.Result[[]vbr.JobState]
	RepositoryStates(ctx context.Context) vbr.Result[[]vbr.RepositoryState]
	Sessions(ctx context.Context) vbr.Result[[]vbr.SessionState]
	Health(ctx context.Context) vbr.Result[vbr.HealthState]
}

type eventHub interface {
	Publish(topic string, event hub.Event)
	Healthy() bool
	Shutdown()
}

type alertSink interface {
	CreateAlert(candidate alerts.Alert) (*alerts.Alert, bool)
}

// Config holds cycle intervals and result TTLs.
type Config struct {
	MainInterval    time.Duration
	HealthInterval  time.Duration
	MetricsInterval time.Duration
	DataTTL         time.Duration
	HealthTTL       time.Duration
	MetricsTTL      time.Duration
}

// Monitor orchestrates the three polling cycles: main refresh, health check,
// and system metrics. Each cycle runs once on Start and then on its own
// ticker; a cycle still running when its next tick fires simply overlaps.
type Monitor struct {
	cfg     Config
	client  upstream
	cache   cache.Store
	hub     eventHub
	alerter alertSink
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// New creates a monitor.
func New(cfg Config, client upstream, store cache.Store, eventHub eventHub, alerter alertSink, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if cfg.MainInterval <= 0 {
		cfg.MainInterval = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 60 * time.Second
	}
	if cfg.DataTTL <= 0 {
		cfg.DataTTL = 5 * time.Minute
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = 30 * time.Second
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		cfg:     cfg,
		client:  client,
		cache:   store,
		hub:     eventHub,
		alerter: alerter,
		metrics: m,
		logger:  logger,
		Now:     time.Now,
	}
}

// Start runs each cycle once immediately and schedules the recurring timers.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("monitor starting",
		zap.Duration("main_interval", m.cfg.MainInterval),
		zap.Duration("health_interval", m.cfg.HealthInterval),
		zap.Duration("metrics_interval", m.cfg.MetricsInterval),
	)

	m.runCycleLoop(cycleCtx, "main", m.cfg.MainInterval, m.runMainCycle)
	m.runCycleLoop(cycleCtx, "health", m.cfg.HealthInterval, m.runHealthCycle)
	m.runCycleLoop(cycleCtx, "metrics", m.cfg.MetricsInterval, m.runMetricsCycle)
}

// Stop cancels the timers, waits for in-flight cycles, and signals the hub
// to notify observers of shutdown. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.hub.Shutdown()
	m.logger.Info("monitor stopped")
}

// IsRunning reflects whether cycle timers are active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) runCycleLoop(ctx context.Context, name string, interval time.Duration, cycle func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.runCycle(ctx, name, cycle)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("cycle loop stopped", zap.String("cycle", name))
				return
			case <-ticker.C:
				m.runCycle(ctx, name, cycle)
			}
		}
	}()
}

func (m *Monitor) runCycle(ctx context.Context, name string, cycle func(ctx context.Context)) {
	start := time.Now()
	cycle(ctx)
	if m.metrics != nil {
		m.metrics.PollDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// publish delivers an event unless shutdown has begun, so a cycle still in
// flight when Stop is called cannot publish stale results.
func (m *Monitor) publish(topic string, event hub.Event) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return
	}
	m.hub.Publish(topic, event)
}

// runMainCycle fetches jobs, repositories, and sessions concurrently with
// partial-failure semantics, caches and publishes successes, derives
// dashboard statistics, and evaluates alert conditions.
func (m *Monitor) runMainCycle(ctx context.Context) {
	now := m.Now()

	var (
		jobsResult  vbr.Result[[]vbr.JobState]
		reposResult vbr.Result[[]vbr.RepositoryState]
		sessResult  vbr.Result[[]vbr.SessionState]
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		jobsResult = m.client.JobStates(ctx)
	}()
	go func() {
		defer wg.Done()
		reposResult = m.client.RepositoryStates(ctx)
	}()
	go func() {
		defer wg.Done()
		sessResult = m.client.Sessions(ctx)
	}()
	wg.Wait()

	failures := 0
	if jobsResult.Success {
		m.cache.Set(CacheKeyJobs, jobsResult.Data, m.cfg.DataTTL)
		m.publish(hub.TopicJobs, hub.Event{Event: hub.EventJobsUpdate, Data: jobsResult.Data})
	} else {
		failures++
		m.logger.Warn("job states fetch failed", zap.String("error", jobsResult.Error))
	}
	if reposResult.Success {
		m.cache.Set(CacheKeyRepositories, reposResult.Data, m.cfg.DataTTL)
		m.publish(hub.TopicRepositories, hub.Event{Event: hub.EventReposUpdate, Data: reposResult.Data})
	} else {
		failures++
		m.logger.Warn("repository states fetch failed", zap.String("error", reposResult.Error))
	}
	if sessResult.Success {
		m.cache.Set(CacheKeySessions, sessResult.Data, m.cfg.DataTTL)
	} else {
		failures++
		m.logger.Warn("sessions fetch failed", zap.String("error", sessResult.Error))
	}

	if jobsResult.Success && reposResult.Success {
		stats := deriveDashboardStats(jobsResult.Data, reposResult.Data, now)
		m.cache.Set(CacheKeyDashboard, stats, m.cfg.DataTTL)
		m.publish(hub.TopicDashboard, hub.Event{Event: hub.EventDashboardStats, Data: stats})
	} else {
		m.publish(hub.TopicDashboard, hub.Event{
			Event: hub.EventDashboardError,
			Data:  map[string]string{"message": "one or more upstream fetches failed"},
		})
	}

	if jobsResult.Success {
		m.evaluateJobConditions(jobsResult.Data)
	}
	if reposResult.Success {
		m.evaluateRepositoryConditions(reposResult.Data)
	}

	m.recordCycle("main", failures, 3)
	m.logger.Debug("main cycle completed",
		zap.Int("failures", failures),
		zap.Bool("jobs", jobsResult.Success),
		zap.Bool("repositories", reposResult.Success),
		zap.Bool("sessions", sessResult.Success),
	)
}

// evaluateJobConditions raises a job_failure alert for every job whose last
// result is Failed. The engine's hold-down suppresses recurrences.
func (m *Monitor) evaluateJobConditions(jobs []vbr.JobState) {
	for _, job := range jobs {
		if job.LastResult != "Failed" {
			continue
		}
		message := job.Message
		if message == "" {
			message = fmt.Sprintf("Backup job %q reported result Failed on its last run.", job.Name)
		}
		m.alerter.CreateAlert(alerts.Alert{
			ID:       "job-failed-" + job.ID,
			Type:     alerts.TypeJobFailure,
			Severity: alerts.SeverityHigh,
			Title:    "Backup job failed: " + job.Name,
			Message:  message,
			Metadata: map[string]string{
				"jobId":   job.ID,
				"jobName": job.Name,
				"lastRun": job.LastRun.Format(time.RFC3339),
			},
		})
	}
}

// evaluateRepositoryConditions raises storage_threshold alerts for
// repositories above the warn ratio; above the high ratio the severity
// escalates.
func (m *Monitor) evaluateRepositoryConditions(repos []vbr.RepositoryState) {
	for _, repo := range repos {
		if repo.CapacityGB <= 0 {
			continue
		}
		usage := repo.UsedSpaceGB / repo.CapacityGB
		if usage <= storageWarnRatio {
			continue
		}

		severity := alerts.SeverityMedium
		if usage > storageHighRatio {
			severity = alerts.SeverityHigh
		}
		m.alerter.CreateAlert(alerts.Alert{
			ID:       "repo-storage-" + repo.ID,
			Type:     alerts.TypeStorageThreshold,
			Severity: severity,
			Title:    "Repository storage threshold exceeded: " + repo.Name,
			Message: fmt.Sprintf("Repository %q is at %.1f%% capacity (%.0f of %.0f GB used).",
				repo.Name, usage*100, repo.UsedSpaceGB, repo.CapacityGB),
			Metadata: map[string]string{
				"repositoryId": repo.ID,
				"repository":   repo.Name,
				"usagePercent": fmt.Sprintf("%.1f", usage*100),
			},
		})
	}
}

// runHealthCycle aggregates upstream, cache, and hub liveness. Overall
// status is healthy iff every sub-check is healthy; an unhealthy aggregate
// raises an alert naming the failing subsystems.
func (m *Monitor) runHealthCycle(ctx context.Context) {
	now := m.Now()

	upstreamResult := m.client.Health(ctx)
	upstreamHealthy := upstreamResult.Success && isHealthyStatus(upstreamResult.Data.Status)
	cacheHealthy := m.cache.Healthy()
	hubHealthy := m.hub.Healthy()

	components := map[string]bool{
		"upstream": upstreamHealthy,
		"cache":    cacheHealthy,
		"hub":      hubHealthy,
	}

	var failing []string
	for name, healthy := range components {
		if !healthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	status := HealthStatus{
		Status:     "healthy",
		Components: components,
		Failing:    failing,
		CheckedAt:  now,
	}
	if len(failing) > 0 {
		status.Status = "unhealthy"
	}

	m.cache.Set(CacheKeyHealth, status, m.cfg.HealthTTL)
	m.recordCycle("health", len(failing), len(components))

	if len(failing) == 0 {
		return
	}

	m.logger.Warn("health check unhealthy", zap.Strings("failing", failing))
	m.alerter.CreateAlert(alerts.Alert{
		ID:       HealthUnhealthyAlertID,
		Type:     alerts.TypeError,
		Severity: alerts.SeverityHigh,
		Title:    "Monitoring health check failed",
		Message:  "Unhealthy subsystems: " + strings.Join(failing, ", "),
		Metadata: map[string]string{"failing": strings.Join(failing, ",")},
	})
}

// runMetricsCycle samples process and runtime metrics, caches the sample,
// and publishes it to metrics observers.
func (m *Monitor) runMetricsCycle(_ context.Context) {
	sample := sampleSystemMetrics(m.Now())
	m.cache.Set(CacheKeyMetrics, sample, m.cfg.MetricsTTL)
	m.publish(hub.TopicMetrics, hub.Event{Event: hub.EventSystemMetrics, Data: sample})
	m.recordCycle("metrics", 0, 1)
}

func (m *Monitor) recordCycle(name string, failures, checks int) {
	if m.metrics == nil {
		return
	}
	result := "success"
	switch {
	case failures >= checks:
		result = "failure"
	case failures > 0:
		result = "partial"
	}
	m.metrics.PollCycles.WithLabelValues(name, result).Inc()
}

func isHealthyStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "healthy", "ok", "up":
		return true
	default:
		return false
	}
}
