// Package notify delivers administrator alerts about ingestion runs.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"moex-ingest/internal/config"
	"moex-ingest/internal/ingest"
)

// maxListedFailures caps the failures spelled out in one message.
const maxListedFailures = 20

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationRunFailed      NotificationType = "run_failed"
	NotificationPartialFailure NotificationType = "partial_failure"
	NotificationSummary        NotificationType = "summary"
)

// IsError reports whether t signals a failure.
func (t NotificationType) IsError() bool {
	return t == NotificationRunFailed || t == NotificationPartialFailure
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    string
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewMultiNotifier creates a MultiNotifier with the channels enabled in cfg.
func NewMultiNotifier(cfg config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    cfg.Level,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
	if mn.level == "" {
		mn.level = config.LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	if cfg.Log {
		mn.channels = append(mn.channels, NewLogNotifier(mn.logger))
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailNotifier(cfg.Email))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the registered channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		names = append(names, ch.Name())
	}
	return names
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	if mn.level == config.LevelErrorsOnly {
		return t.IsError()
	}
	return true
}

// Send sends a notification to all enabled channels. Every channel is tried;
// the returned error joins the individual failures.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := make([]NotificationChannel, len(mn.channels))
	copy(channels, mn.channels)
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendRunEvent formats an orchestrator event and sends it.
func (mn *MultiNotifier) SendRunEvent(ctx context.Context, ev ingest.Event) error {
	return mn.Send(ctx, FromEvent(ev))
}

// Handler returns an orchestrator subscriber that delivers each event with
// its own timeout, logging delivery failures.
func (mn *MultiNotifier) Handler(timeout time.Duration) func(ingest.Event) {
	return func(ev ingest.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := mn.SendRunEvent(ctx, ev); err != nil {
			mn.logger.Error().Err(err).Str("run_id", ev.RunID).Str("event", string(ev.Type)).
				Msg("Failed to deliver notification")
		}
	}
}

// FromEvent builds the notification describing ev.
func FromEvent(ev ingest.Event) Notification {
	n := Notification{
		Timestamp: ev.At,
		Data: map[string]interface{}{
			"run_id": ev.RunID,
		},
	}

	var sb strings.Builder
	r := ev.Report

	switch ev.Type {
	case ingest.EventRunFailed:
		n.Type = NotificationRunFailed
		n.Title = "MOEX ingestion failed"
		sb.WriteString("The stock universe could not be loaded; no tickers were processed.\n")
		if ev.Err != nil {
			sb.WriteString(fmt.Sprintf("Error: %v\n", ev.Err))
			n.Data["error"] = ev.Err.Error()
		}
	case ingest.EventPartialFailure:
		n.Type = NotificationPartialFailure
		n.Title = "MOEX ingestion finished with failures"
	default:
		n.Type = NotificationSummary
		n.Title = "MOEX ingestion completed"
	}

	sb.WriteString(fmt.Sprintf("Run: %s\n", ev.RunID))
	if r != nil {
		failures := r.Failures()
		sb.WriteString(fmt.Sprintf("Stocks: %d | Candles: %d | Dividends: %d\n", r.Stocks, r.Candles, r.Dividends))
		sb.WriteString(fmt.Sprintf("Duration: %s\n", r.Duration().Round(time.Second)))

		if len(failures) > 0 {
			sb.WriteString(fmt.Sprintf("\nFailed jobs (%d):\n", len(failures)))
			for i, f := range failures {
				if i == maxListedFailures {
					sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(failures)-i))
					break
				}
				sb.WriteString(fmt.Sprintf("  %s %s: %s\n", f.Ticker, f.Kind, f.Error))
			}
		}

		n.Data["status"] = string(r.Status)
		n.Data["stocks"] = r.Stocks
		n.Data["candles"] = r.Candles
		n.Data["dividends"] = r.Dividends
		n.Data["failures"] = len(failures)
	}

	n.Message = strings.TrimRight(sb.String(), "\n")
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	return n
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Name returns the name of the notifier.
func (l *LogNotifier) Name() string {
	return "log"
}

// IsEnabled returns whether the notifier is enabled.
func (l *LogNotifier) IsEnabled() bool {
	return true
}

// Send logs the notification.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	event := l.logger.Info()
	if n.Type.IsError() {
		event = l.logger.Warn()
	}
	event.Str("type", string(n.Type)).Fields(n.Data).Msg(n.Title)
	return nil
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "moex-ingest/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends notifications to the administrators via SMTP.
type EmailNotifier struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       []string
	enabled  bool
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	return &EmailNotifier{
		smtpHost: cfg.SMTPHost,
		smtpPort: port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       append([]string(nil), cfg.To...),
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "" && len(cfg.To) > 0,
	}
}

// Name returns the name of the notifier.
func (e *EmailNotifier) Name() string {
	return "email"
}

// IsEnabled returns whether the notifier is enabled.
func (e *EmailNotifier) IsEnabled() bool {
	return e.enabled
}

// Send sends a notification via email.
func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := e.message(n)
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	// Implicit TLS on 465, STARTTLS negotiated by SendMail otherwise.
	if e.smtpPort == 465 {
		return e.sendWithTLS(addr, auth, msg)
	}
	return smtp.SendMail(addr, auth, e.from, e.to, msg)
}

func (e *EmailNotifier) message(n Notification) []byte {
	body := n.Message
	if len(n.Data) > 0 {
		dataJSON, _ := json.MarshalIndent(n.Data, "", "  ")
		body += "\n\n---\nData:\n" + string(dataJSON)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", n.Type, n.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailNotifier) sendWithTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.smtpHost})
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}
	for _, rcpt := range e.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT %s failed: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}
