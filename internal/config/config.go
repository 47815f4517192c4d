package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Poll      PollConfig
	Cache     CacheConfig
	Alerts    AlertsConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// UpstreamConfig configures the Veeam Backup & Replication API connection.
type UpstreamConfig struct {
	BaseURL        string
	Username       string
	Password       string
	APIVersion     string
	TLSVerify      bool
	TokenFilePath  string
	RequestTimeout time.Duration
}

// PollConfig contains cycle intervals and result TTLs.
type PollConfig struct {
	MainInterval    time.Duration
	HealthInterval  time.Duration
	MetricsInterval time.Duration
	DataTTL         time.Duration
	HealthTTL       time.Duration
	MetricsTTL      time.Duration
}

// CacheConfig configures the TTL cache backend.
type CacheConfig struct {
	Backend       string
	SweepInterval time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// AlertsConfig configures alert dedup, retention, and rules.
type AlertsConfig struct {
	Holddown   time.Duration
	RecordTTL  time.Duration
	CleanupAge time.Duration
	Rules      []AlertRuleConfig
}

// AlertRuleConfig is one alert rule loaded at startup.
type AlertRuleConfig struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Enabled    bool     `yaml:"enabled"`
	Threshold  float64  `yaml:"threshold"`
	Duration   time.Duration
	ScopeIDs   []string `yaml:"scope_ids"`
	Email      []string `yaml:"email"`
	Messaging  []string `yaml:"messaging"`
	WebhookURL string   `yaml:"webhook_url"`
}

// NotifyConfig configures outbound notification targets.
type NotifyConfig struct {
	MessagingBaseURL string
	MessagingToken   string
	Timeout          time.Duration
	Environment      string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Upstream.BaseURL == "" {
		errs = append(errs, "upstream.base_url is required")
	}
	if c.Upstream.Username == "" {
		errs = append(errs, "upstream.username is required")
	}
	if c.Upstream.Password == "" {
		errs = append(errs, "upstream.password is required")
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		errs = append(errs, "cache.backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, "cache.redis_addr is required when cache.backend=redis")
	}

	if c.Poll.MainInterval <= 0 {
		errs = append(errs, "poll.main_interval must be > 0")
	}
	if c.Poll.HealthInterval <= 0 {
		errs = append(errs, "poll.health_interval must be > 0")
	}
	if c.Poll.MetricsInterval <= 0 {
		errs = append(errs, "poll.metrics_interval must be > 0")
	}

	if c.Alerts.Holddown <= 0 {
		errs = append(errs, "alerts.holddown must be > 0")
	}
	if c.Alerts.RecordTTL <= 0 {
		errs = append(errs, "alerts.record_ttl must be > 0")
	}

	seenRules := make(map[string]struct{}, len(c.Alerts.Rules))
	for i, rule := range c.Alerts.Rules {
		prefix := fmt.Sprintf("alerts.rules[%d]", i)
		if rule.ID == "" {
			errs = append(errs, prefix+".id is required")
		}
		if rule.Type == "" {
			errs = append(errs, prefix+".type is required")
		}
		if _, ok := seenRules[rule.ID]; ok {
			errs = append(errs, "alerts.rules contains duplicate id: "+rule.ID)
		}
		seenRules[rule.ID] = struct{}{}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Upstream.APIVersion == "" {
		cfg.Upstream.APIVersion = "1.1-rev1"
	}
	if cfg.Upstream.TokenFilePath == "" {
		cfg.Upstream.TokenFilePath = "tokens.json"
	}
	if cfg.Upstream.RequestTimeout <= 0 {
		cfg.Upstream.RequestTimeout = 30 * time.Second
	}
	if cfg.Poll.MainInterval <= 0 {
		cfg.Poll.MainInterval = 30 * time.Second
	}
	if cfg.Poll.HealthInterval <= 0 {
		cfg.Poll.HealthInterval = 30 * time.Second
	}
	if cfg.Poll.MetricsInterval <= 0 {
		cfg.Poll.MetricsInterval = 60 * time.Second
	}
	if cfg.Poll.DataTTL <= 0 {
		cfg.Poll.DataTTL = 5 * time.Minute
	}
	if cfg.Poll.HealthTTL <= 0 {
		cfg.Poll.HealthTTL = 30 * time.Second
	}
	if cfg.Poll.MetricsTTL <= 0 {
		cfg.Poll.MetricsTTL = 60 * time.Second
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "vbr-monitor"
	}
	if cfg.Alerts.Holddown <= 0 {
		cfg.Alerts.Holddown = time.Hour
	}
	if cfg.Alerts.RecordTTL <= 0 {
		cfg.Alerts.RecordTTL = 24 * time.Hour
	}
	if cfg.Alerts.CleanupAge <= 0 {
		cfg.Alerts.CleanupAge = 30 * 24 * time.Hour
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Notify.Environment == "" {
		cfg.Notify.Environment = "production"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Upstream  rawUpstream  `yaml:"upstream"`
	Poll      rawPoll      `yaml:"poll"`
	Cache     rawCache     `yaml:"cache"`
	Alerts    rawAlerts    `yaml:"alerts"`
	Notify    rawNotify    `yaml:"notify"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawUpstream struct {
	BaseURL        string   `yaml:"base_url"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	APIVersion     string   `yaml:"api_version"`
	TLSVerify      *bool    `yaml:"tls_verify"`
	TokenFilePath  string   `yaml:"token_file_path"`
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawPoll struct {
	MainInterval    duration `yaml:"main_interval"`
	HealthInterval  duration `yaml:"health_interval"`
	MetricsInterval duration `yaml:"metrics_interval"`
	DataTTL         duration `yaml:"data_ttl"`
	HealthTTL       duration `yaml:"health_ttl"`
	MetricsTTL      duration `yaml:"metrics_ttl"`
}

type rawCache struct {
	Backend       string   `yaml:"backend"`
	SweepInterval duration `yaml:"sweep_interval"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	Namespace     string   `yaml:"namespace"`
}

type rawAlerts struct {
	Holddown   duration       `yaml:"holddown"`
	RecordTTL  duration       `yaml:"record_ttl"`
	CleanupAge duration       `yaml:"cleanup_age"`
	Rules      []rawAlertRule `yaml:"rules"`
}

type rawAlertRule struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Enabled    bool     `yaml:"enabled"`
	Threshold  float64  `yaml:"threshold"`
	Duration   duration `yaml:"duration"`
	ScopeIDs   []string `yaml:"scope_ids"`
	Email      []string `yaml:"email"`
	Messaging  []string `yaml:"messaging"`
	WebhookURL string   `yaml:"webhook_url"`
}

type rawNotify struct {
	MessagingBaseURL string   `yaml:"messaging_base_url"`
	MessagingToken   string   `yaml:"messaging_token"`
	Timeout          duration `yaml:"timeout"`
	Environment      string   `yaml:"environment"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	tlsVerify := true
	if r.Upstream.TLSVerify != nil {
		tlsVerify = *r.Upstream.TLSVerify
	}

	cfg := &Config{
		Server: r.Server,
		Upstream: UpstreamConfig{
			BaseURL:        r.Upstream.BaseURL,
			Username:       r.Upstream.Username,
			Password:       r.Upstream.Password,
			APIVersion:     r.Upstream.APIVersion,
			TLSVerify:      tlsVerify,
			TokenFilePath:  r.Upstream.TokenFilePath,
			RequestTimeout: r.Upstream.RequestTimeout.Duration,
		},
		Poll: PollConfig{
			MainInterval:    r.Poll.MainInterval.Duration,
			HealthInterval:  r.Poll.HealthInterval.Duration,
			MetricsInterval: r.Poll.MetricsInterval.Duration,
			DataTTL:         r.Poll.DataTTL.Duration,
			HealthTTL:       r.Poll.HealthTTL.Duration,
			MetricsTTL:      r.Poll.MetricsTTL.Duration,
		},
		Cache: CacheConfig{
			Backend:       r.Cache.Backend,
			SweepInterval: r.Cache.SweepInterval.Duration,
			RedisAddr:     r.Cache.RedisAddr,
			RedisPassword: r.Cache.RedisPassword,
			RedisDB:       r.Cache.RedisDB,
			Namespace:     r.Cache.Namespace,
		},
		Alerts: AlertsConfig{
			Holddown:   r.Alerts.Holddown.Duration,
			RecordTTL:  r.Alerts.RecordTTL.Duration,
			CleanupAge: r.Alerts.CleanupAge.Duration,
			Rules:      make([]AlertRuleConfig, 0, len(r.Alerts.Rules)),
		},
		Notify: NotifyConfig{
			MessagingBaseURL: r.Notify.MessagingBaseURL,
			MessagingToken:   r.Notify.MessagingToken,
			Timeout:          r.Notify.Timeout.Duration,
			Environment:      r.Notify.Environment,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, rule := range r.Alerts.Rules {
		cfg.Alerts.Rules = append(cfg.Alerts.Rules, AlertRuleConfig{
			ID:         rule.ID,
			Name:       rule.Name,
			Type:       rule.Type,
			Enabled:    rule.Enabled,
			Threshold:  rule.Threshold,
			Duration:   rule.Duration.Duration,
			ScopeIDs:   rule.ScopeIDs,
			Email:      rule.Email,
			Messaging:  rule.Messaging,
			WebhookURL: rule.WebhookURL,
		})
	}

	return cfg
}
