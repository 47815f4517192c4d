package alerts

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vbrwatch/vbr-monitor/internal/cache"
	"github.com/vbrwatch/vbr-monitor/internal/hub"
	"github.com/vbrwatch/vbr-monitor/internal/metrics"
)

const (
	holddownKeyPrefix = "alert:holddown:"
	recordKeyPrefix   = "alert:record:"
)

type publisher interface {
	Publish(topic string, event hub.Event)
}

// Dispatcher delivers alert notifications. Implementations must be
// best-effort: they never block or fail the triggering alert operation.
type Dispatcher interface {
	AlertCreated(alert Alert, rule Rule)
	AlertEvent(event string, alert Alert, rule Rule)
}

// EngineConfig configures alert dedup and retention.
type EngineConfig struct {
	// Holddown is how long a recurring condition is suppressed after an
	// alert fires. Independent of RecordTTL; both are tunable.
	Holddown time.Duration
	// RecordTTL bounds the cache-backed copy of each alert record.
	RecordTTL time.Duration
	// CleanupAge is how long resolved alerts are kept before Cleanup purges them.
	CleanupAge time.Duration
}

// Engine owns alert identity, deduplication, lifecycle, and notification
// dispatch. It is safe for concurrent use.
type Engine struct {
	cfg        EngineConfig
	cache      cache.Store
	publisher  publisher
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	alerts map[string]*Alert
	rules  []Rule

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewEngine creates an alert engine. dispatcher may be nil to disable
// notifications; publisher may not be nil.
func NewEngine(cfg EngineConfig, rules []Rule, store cache.Store, pub publisher, dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cfg.Holddown <= 0 {
		cfg.Holddown = time.Hour
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 24 * time.Hour
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:        cfg,
		cache:      store,
		publisher:  pub,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		alerts:     make(map[string]*Alert),
		rules:      append([]Rule(nil), rules...),
		Now:        time.Now,
	}
}

// CreateAlert stores candidate unless a hold-down entry for its deterministic
// id still exists, publishes an alerts:new event, and dispatches notifications
// when the matched rule is enabled. Returns the stored alert and whether this
// call created it.
func (e *Engine) CreateAlert(candidate Alert) (*Alert, bool) {
	if candidate.ID == "" {
		return nil, false
	}

	holdKey := holddownKeyPrefix + candidate.ID
	if _, held := e.cache.Get(holdKey); held {
		if e.metrics != nil {
			e.metrics.AlertsSuppressed.Inc()
		}
		e.logger.Debug("alert suppressed by hold-down", zap.String("alert_id", candidate.ID))
		e.mu.RLock()
		existing := e.alerts[candidate.ID]
		e.mu.RUnlock()
		if existing != nil {
			copied := *existing
			return &copied, false
		}
		return nil, false
	}

	rule := e.matchRule(candidate.Type)
	candidate.RuleID = rule.ID
	if candidate.Timestamp.IsZero() {
		candidate.Timestamp = e.Now()
	}
	if candidate.Severity == "" {
		candidate.Severity = SeverityMedium
	}

	stored := candidate
	e.mu.Lock()
	e.alerts[stored.ID] = &stored
	e.mu.Unlock()

	e.cache.Set(recordKeyPrefix+stored.ID, stored, e.cfg.RecordTTL)
	e.cache.Set(holdKey, true, e.cfg.Holddown)

	if e.metrics != nil {
		e.metrics.AlertsCreated.WithLabelValues(string(stored.Type), string(stored.Severity)).Inc()
	}
	e.logger.Info("alert created",
		zap.String("alert_id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.String("severity", string(stored.Severity)),
		zap.String("rule_id", rule.ID),
	)

	e.publisher.Publish(hub.TopicAlerts, hub.Event{Event: hub.EventAlertNew, Data: stored})

	if rule.Enabled && e.dispatcher != nil {
		e.dispatcher.AlertCreated(stored, rule)
	}

	copied := stored
	return &copied, true
}

// Acknowledge marks an alert acknowledged by actor.
func (e *Engine) Acknowledge(id, by string) (*Alert, error) {
	e.mu.Lock()
	alert, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrAlertNotFound
	}
	if alert.Acknowledged {
		e.mu.Unlock()
		return nil, ErrAlreadyAcknowledged
	}

	now := e.Now()
	alert.Acknowledged = true
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now
	updated := *alert
	e.mu.Unlock()

	e.afterUpdate(updated, EventAcknowledged)
	return &updated, nil
}

// Resolve marks an alert resolved.
func (e *Engine) Resolve(id, by string) (*Alert, error) {
	e.mu.Lock()
	alert, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrAlertNotFound
	}
	if alert.Resolved {
		e.mu.Unlock()
		return nil, ErrAlreadyResolved
	}

	now := e.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if by != "" && alert.Metadata == nil {
		alert.Metadata = map[string]string{"resolvedBy": by}
	} else if by != "" {
		alert.Metadata["resolvedBy"] = by
	}
	updated := *alert
	e.mu.Unlock()

	e.afterUpdate(updated, EventResolved)
	return &updated, nil
}

func (e *Engine) afterUpdate(updated Alert, event string) {
	e.cache.Set(recordKeyPrefix+updated.ID, updated, e.cfg.RecordTTL)
	e.publisher.Publish(hub.TopicAlerts, hub.Event{Event: hub.EventAlertUpdate, Data: updated})

	if e.dispatcher != nil {
		rule := e.ruleByID(updated.RuleID)
		e.dispatcher.AlertEvent(event, updated, rule)
	}
}

// Delete removes an alert record.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	_, ok := e.alerts[id]
	delete(e.alerts, id)
	e.mu.Unlock()

	if !ok {
		return ErrAlertNotFound
	}
	e.cache.Delete(recordKeyPrefix + id)
	return nil
}

// Get returns one alert by id.
func (e *Engine) Get(id string) (*Alert, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	alert, ok := e.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	copied := *alert
	return &copied, nil
}

// List returns a page of alerts matching filter, newest first, plus the
// total match count. page is 1-based; limit defaults to 50.
func (e *Engine) List(page, limit int, filter Filter) ([]Alert, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	e.mu.RLock()
	matched := make([]Alert, 0, len(e.alerts))
	for _, alert := range e.alerts {
		if filter.matches(alert) {
			matched = append(matched, *alert)
		}
	}
	e.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []Alert{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// GetStats summarizes the alert population by type, severity, and lifecycle.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Stats{
		ByType:     make(map[Type]int),
		BySeverity: make(map[Severity]int),
	}
	for _, alert := range e.alerts {
		stats.Total++
		stats.ByType[alert.Type]++
		stats.BySeverity[alert.Severity]++
		switch {
		case alert.Resolved:
			stats.Resolved++
		case alert.Acknowledged:
			stats.Acknowledged++
		default:
			stats.Active++
		}
	}
	return stats
}

// Cleanup purges resolved alerts older than the configured cleanup age from
// memory and cache. Returns how many were removed.
func (e *Engine) Cleanup() int {
	cutoff := e.Now().Add(-e.cfg.CleanupAge)

	e.mu.Lock()
	var purged []string
	for id, alert := range e.alerts {
		if alert.Resolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(e.alerts, id)
			purged = append(purged, id)
		}
	}
	e.mu.Unlock()

	for _, id := range purged {
		e.cache.Delete(recordKeyPrefix + id)
	}
	if len(purged) > 0 {
		e.logger.Info("purged resolved alerts", zap.Int("count", len(purged)))
	}
	return len(purged)
}

// Rules returns the current rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// UpdateRule replaces the rule with the same id, or appends a new one.
func (e *Engine) UpdateRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == rule.ID {
			e.rules[i] = rule
			return
		}
	}
	e.rules = append(e.rules, rule)
}

// matchRule finds the first enabled rule for a type, falling back to a
// synthetic default rule so every alert references exactly one rule.
func (e *Engine) matchRule(alertType Type) Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rules {
		if rule.Type == alertType && rule.Enabled {
			return rule
		}
	}
	return Rule{ID: DefaultRuleID, Name: "Default", Type: alertType, Enabled: true}
}

func (e *Engine) ruleByID(id string) Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rules {
		if rule.ID == id {
			return rule
		}
	}
	return Rule{ID: DefaultRuleID, Name: "Default", Enabled: true}
}
