package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vbrwatch/vbr-monitor/internal/metrics"
)

// Webhook event tags.
const (
	EventCreated      = "alert.created"
	EventAcknowledged = "alert.acknowledged"
	EventResolved     = "alert.resolved"
)

// Mailer sends alert emails. Delivery is owned by an external collaborator;
// the engine ships with a no-op.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// NopMailer discards mail.
type NopMailer struct{}

// Send implements Mailer.
func (NopMailer) Send(context.Context, []string, string, string) error { return nil }

// NotifierConfig configures outbound notification targets.
type NotifierConfig struct {
	MessagingBaseURL string
	MessagingToken   string
	Timeout          time.Duration
	System           string
	Version          string
	Environment      string
}

// Notifier delivers alert notifications over email, the messaging webhook,
// and generic webhooks. All delivery is asynchronous and best-effort:
// failures are logged per recipient and never propagate to the alert
// operation that triggered them.
type Notifier struct {
	cfg    NotifierConfig
	client *http.Client
	mailer Mailer
	m      *metrics.Metrics
	logger *zap.Logger
}

// NewNotifier creates a notifier. mailer may be nil for no email delivery.
func NewNotifier(cfg NotifierConfig, mailer Mailer, m *metrics.Metrics, logger *zap.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.System == "" {
		cfg.System = "vbr-monitor"
	}
	if mailer == nil {
		mailer = NopMailer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		mailer: mailer,
		m:      m,
		logger: logger,
	}
}

// AlertCreated dispatches all configured channels for a new alert.
func (n *Notifier) AlertCreated(alert Alert, rule Rule) {
	go func() {
		n.sendEmail(alert, rule)
		n.sendMessaging(alert, rule)
		n.sendWebhook(EventCreated, alert, rule)
	}()
}

// AlertEvent dispatches webhook notifications for a lifecycle transition.
func (n *Notifier) AlertEvent(event string, alert Alert, rule Rule) {
	go n.sendWebhook(event, alert, rule)
}

func (n *Notifier) sendEmail(alert Alert, rule Rule) {
	if len(rule.Actions.Email) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	if err := n.mailer.Send(ctx, rule.Actions.Email, subject, alert.Message); err != nil {
		n.record("email", false)
		n.logger.Warn("email notification failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	n.record("email", true)
}

// sendMessaging posts the templated message to each recipient. A failed
// recipient is logged and skipped; remaining recipients still get delivery.
func (n *Notifier) sendMessaging(alert Alert, rule Rule) {
	if len(rule.Actions.Messaging) == 0 || n.cfg.MessagingBaseURL == "" {
		return
	}

	endpoint := strings.TrimRight(n.cfg.MessagingBaseURL, "/") + "/send-message"
	message := FormatMessage(alert)

	for _, recipient := range rule.Actions.Messaging {
		payload, err := json.Marshal(map[string]string{
			"to":      recipient,
			"message": message,
		})
		if err != nil {
			continue
		}

		if err := n.post(endpoint, payload, n.cfg.MessagingToken); err != nil {
			n.record("messaging", false)
			n.logger.Warn("messaging notification failed",
				zap.String("alert_id", alert.ID),
				zap.String("recipient", recipient),
				zap.Error(err),
			)
			continue
		}
		n.record("messaging", true)
		n.logger.Debug("messaging notification sent",
			zap.String("alert_id", alert.ID),
			zap.String("recipient", recipient),
		)
	}
}

// sendWebhook posts the structured envelope to the rule's webhook URL.
// Failures are logged, not retried.
func (n *Notifier) sendWebhook(event string, alert Alert, rule Rule) {
	if rule.Actions.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"alert":     alert,
		"source": map[string]string{
			"system":      n.cfg.System,
			"version":     n.cfg.Version,
			"environment": n.cfg.Environment,
		},
	})
	if err != nil {
		return
	}

	if err := n.post(rule.Actions.WebhookURL, payload, ""); err != nil {
		n.record("webhook", false)
		n.logger.Warn("webhook notification failed",
			zap.String("alert_id", alert.ID),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	n.record("webhook", true)
}

func (n *Notifier) post(url string, body []byte, bearer string) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) record(channel string, ok bool) {
	if n.m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	n.m.NotificationsSent.WithLabelValues(channel, result).Inc()
}

// FormatMessage renders the templated messaging body for an alert.
func FormatMessage(alert Alert) string {
	return fmt.Sprintf("%s *%s Alert: %s*\n\n%s\n\nSeverity: %s\nTime: %s\nAlert ID: %s",
		severityIcon(alert.Severity),
		typeLabel(alert.Type),
		alert.Title,
		alert.Message,
		alert.Severity,
		alert.Timestamp.Format(time.RFC3339),
		alert.ID,
	)
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityHigh:
		return "🟠"
	case SeverityMedium:
		return "🟡"
	default:
		return "ℹ️"
	}
}

func typeLabel(t Type) string {
	switch t {
	case TypeJobFailure:
		return "Backup Job"
	case TypeStorageThreshold:
		return "Storage"
	case TypeInfrastructureDown:
		return "Infrastructure"
	case TypeLongRunningJob:
		return "Long Running Job"
	default:
		return "System"
	}
}
