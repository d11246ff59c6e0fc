package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"arc-sentinel/internal/incident"
	"arc-sentinel/internal/logging"
	"arc-sentinel/internal/schema"

	"github.com/nats-io/nats.go"
)

// LogSink writes messages to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, m Message) error {
	attrs := []any{"id", m.ID, "type", m.Type, "priority", m.Priority, "key", m.Key}
	if inc, ok := m.Data.(*incident.Incident); ok {
		attrs = append(attrs,
			"classification", inc.Classification,
			"severity", inc.Severity,
			"status", inc.Status,
		)
	}
	if e, ok := m.Data.(*schema.Event); ok && len(e.Payload) > 0 {
		attrs = append(attrs, "payload", logging.MaskPayload(e.Payload))
	}
	if m.Priority == PriorityImmediate {
		slog.Warn("notification", attrs...)
	} else {
		slog.Info("notification", attrs...)
	}
	return nil
}

// WebhookSink posts messages as JSON.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return w.name }

func (w *WebhookSink) Send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	headers := map[string]string{"X-Arc-Message-Type": string(m.Type)}
	for k, v := range w.headers {
		headers[k] = v
	}
	return post(ctx, w.client, w.url, payload, headers)
}

// SlackSink posts incident notifications to a Slack incoming webhook. Other
// message types are ignored.
type SlackSink struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackSink creates a Slack sink.
func NewSlackSink(webhookURL, channel, username string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, m Message) error {
	inc, ok := m.Data.(*incident.Incident)
	if !ok {
		return nil
	}

	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(inc.Severity)), inc.Classification)
	if m.Type == TypeIncidentUpdated {
		title += " (" + string(inc.Status) + ")"
	}
	payload := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{
			{
				"color":  severityColor(inc.Severity),
				"title":  title,
				"text":   inc.Description,
				"fields": slackFields(inc),
				"footer": fmt.Sprintf("Incident %s | %s", inc.ID.String()[:8], m.Type),
				"ts":     inc.CreatedAt.Unix(),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, s.client, s.webhookURL, data, nil)
}

func severityColor(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical:
		return "#FF0000"
	case schema.SeverityHigh:
		return "#FFA500"
	case schema.SeverityMedium:
		return "#FFFF00"
	case schema.SeverityLow:
		return "#00FF00"
	}
	return "#808080"
}

func slackFields(inc *incident.Incident) []map[string]any {
	fields := []map[string]any{
		{"title": "Severity", "value": string(inc.Severity), "short": true},
		{"title": "Events", "value": fmt.Sprintf("%d", inc.EventCount), "short": true},
	}
	if inc.SourceIP != "" {
		fields = append(fields, map[string]any{"title": "Source", "value": inc.SourceIP, "short": true})
	}
	if inc.Scored {
		fields = append(fields, map[string]any{"title": "Anomaly score", "value": fmt.Sprintf("%.3f", inc.Score), "short": true})
	}
	if inc.MITRE != nil {
		fields = append(fields, map[string]any{
			"title": "MITRE ATT&CK",
			"value": fmt.Sprintf("%s (%s)", inc.MITRE.TacticName, inc.MITRE.TechniqueID),
			"short": false,
		})
	}
	return fields
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(body))
	}
	return nil
}

// Publisher publishes a keyed payload, as kafka.Producer does.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// KafkaSink publishes messages to the notifications topic keyed by Message.Key.
type KafkaSink struct {
	producer Publisher
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return k.producer.Publish(ctx, []byte(m.Key), data)
}

// natsConn is the subset of *nats.Conn used by NATSSink.
type natsConn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultNATSConfig returns default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "arc",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSSink publishes each message on <prefix>.<type>, e.g. arc.critical_alert.
type NATSSink struct {
	conn   natsConn
	prefix string
}

// NewNATSSink connects to NATS.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("arc-sentinel"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return newNATSSink(conn, cfg.SubjectPrefix), nil
}

func newNATSSink(conn natsConn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "arc"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func (n *NATSSink) Name() string { return "nats" }

// Subject returns the subject for a message type.
func (n *NATSSink) Subject(t Type) string {
	return n.prefix + "." + string(t)
}

func (n *NATSSink) Send(_ context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := n.conn.Publish(n.Subject(m.Type), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if m.Priority == PriorityImmediate {
		return n.conn.Flush()
	}
	return nil
}

// Close closes the connection.
func (n *NATSSink) Close() {
	n.conn.Close()
}
