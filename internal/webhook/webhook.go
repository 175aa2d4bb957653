// Package webhook is the Webhook Dispatcher (C12): best-effort fan-out of
// execution lifecycle events to user-configured endpoints. Delivery runs
// inline: Notify returns only after every matching endpoint has succeeded or
// used up its attempts and backoff, so a slow endpoint delays the caller.
// Delivery failures never change the caller's execution outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"time"

	"github.com/blackpool/ruleswap/internal/store"
)

// MaxAttempts is the retry ceiling per endpoint per event.
const MaxAttempts = 4

var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// AttemptTimeout bounds a single delivery attempt.
const AttemptTimeout = 5 * time.Second

// Event is one lifecycle notification to fan out.
type Event struct {
	Kind      store.EventKind
	UserID    uint64
	RuleID    uint64
	Message   string
	Detail    map[string]interface{}
	Timestamp time.Time
}

// SMTPSender is the subset of net/smtp this package needs, so tests can
// substitute a fake without opening a real connection.
type SMTPSender func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Dispatcher fans out events to enabled webhooks.
type Dispatcher struct {
	webhooks   *store.WebhookRepo
	httpClient *http.Client
	smtpAddr   string
	smtpFrom   string
	sendMail   SMTPSender
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(d *Dispatcher) { d.httpClient = hc } }

// WithSMTP configures the email transport.
func WithSMTP(addr, from string, sender SMTPSender) Option {
	return func(d *Dispatcher) { d.smtpAddr = addr; d.smtpFrom = from; d.sendMail = sender }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option { return func(d *Dispatcher) { d.logger = logger } }

// New constructs a Dispatcher.
func New(webhooks *store.WebhookRepo, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		webhooks:   webhooks,
		httpClient: &http.Client{Timeout: AttemptTimeout},
		sendMail:   smtp.SendMail,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify fans out event to every enabled webhook for event.UserID whose
// event_mask matches event.Kind. Delivery failures are logged, never
// returned — callers must not treat webhook delivery as part of the
// execution's success/failure outcome.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	hooks, err := d.webhooks.ForEvent(event.UserID, event.Kind)
	if err != nil {
		d.logger.Warn("webhook lookup failed", slog.Uint64("user_id", event.UserID), slog.Any("error", err))
		return
	}

	for _, hook := range hooks {
		d.deliver(ctx, hook, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook store.Webhook, event Event) {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoffSchedule[attempt-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				d.recordFailure(hook, lastErr)
				return
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		err := d.send(attemptCtx, hook, event)
		cancel()
		if err == nil {
			if recErr := d.webhooks.RecordSuccess(hook.ID); recErr != nil {
				d.logger.Warn("webhook success record failed", slog.Uint64("webhook_id", hook.ID), slog.Any("error", recErr))
			}
			return
		}
		lastErr = err
	}

	d.recordFailure(hook, lastErr)
}

func (d *Dispatcher) recordFailure(hook store.Webhook, lastErr error) {
	d.logger.Warn("webhook delivery failed after retries",
		slog.Uint64("webhook_id", hook.ID), slog.String("kind", string(hook.Kind)), slog.Any("error", lastErr))
	if err := d.webhooks.RecordFailure(hook.ID); err != nil {
		d.logger.Warn("webhook failure record failed", slog.Uint64("webhook_id", hook.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) send(ctx context.Context, hook store.Webhook, event Event) error {
	switch hook.Kind {
	case store.WebhookHTTP:
		return d.sendHTTP(ctx, hook, jsonPayload(event))
	case store.WebhookSlack:
		return d.sendHTTP(ctx, hook, slackPayload(event))
	case store.WebhookDiscord:
		return d.sendHTTP(ctx, hook, discordPayload(event))
	case store.WebhookEmail:
		return d.sendEmail(hook, event)
	default:
		return fmt.Errorf("webhook: unsupported kind %q", hook.Kind)
	}
}

func (d *Dispatcher) sendHTTP(ctx context.Context, hook store.Webhook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.Destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: destination returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendEmail(hook store.Webhook, event Event) error {
	if d.sendMail == nil {
		return fmt.Errorf("webhook: no smtp sender configured")
	}
	subject, body := emailContent(event)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", d.smtpFrom, hook.Destination, subject, body))
	return d.sendMail(d.smtpAddr, nil, d.smtpFrom, []string{hook.Destination}, msg)
}

func jsonPayload(event Event) []byte {
	out, _ := json.Marshal(map[string]interface{}{
		"event":     event.Kind,
		"rule_id":   event.RuleID,
		"message":   event.Message,
		"detail":    event.Detail,
		"timestamp": event.Timestamp,
	})
	return out
}

func slackPayload(event Event) []byte {
	text := fmt.Sprintf("[%s] %s (rule %d)", event.Kind, event.Message, event.RuleID)
	out, _ := json.Marshal(map[string]interface{}{
		"text": text,
		"blocks": []map[string]interface{}{
			{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": text}},
		},
	})
	return out
}

func discordPayload(event Event) []byte {
	out, _ := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       string(event.Kind),
				"description": event.Message,
				"color":       discordColor(event.Kind),
			},
		},
	})
	return out
}

func discordColor(kind store.EventKind) int {
	switch kind {
	case store.EventExecutionSucceeded:
		return 0x2ecc71
	case store.EventExecutionFailed, store.EventRulePaused:
		return 0xe74c3c
	default:
		return 0x3498db
	}
}

func emailContent(event Event) (subject, body string) {
	subject = fmt.Sprintf("[ruleswap] %s", event.Kind)
	body = fmt.Sprintf("%s\n\nRule: %d\nTime: %s", event.Message, event.RuleID, event.Timestamp.Format(time.RFC3339))
	return subject, body
}
