// Package jobs holds long-running background tasks started by the server.
//
// api_key_expiry_notifier.go periodically scans for API keys approaching their expiry
// date and emails the operations recipients, so an integration such as the voice agent
// can be rotated before it starts failing. Notification state is persisted in
// expiry_notification_sent_at, so each key is reported once even across restarts.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/config"
	"github.com/Deepak8858/agent-crm/internal/db/models"
	"github.com/Deepak8858/agent-crm/internal/telemetry"
)

// ExpiringKeyStore is the slice of the key repository the notifier needs.
type ExpiringKeyStore interface {
	FindExpiringKeys(ctx context.Context, warningDays int, now time.Time) ([]*models.APIKey, error)
	MarkExpiryNotificationSent(ctx context.Context, id string, sentAt time.Time) error
}

// Mailer delivers a plain-text message.
type Mailer interface {
	Send(to []string, subject, body string) error
}

// APIKeyExpiryNotifier periodically warns operators about keys that are about to expire.
type APIKeyExpiryNotifier struct {
	keys     ExpiringKeyStore
	mailer   Mailer
	cfg      *config.NotificationsConfig
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAPIKeyExpiryNotifier creates a new APIKeyExpiryNotifier. A nil mailer sends
// through the configured SMTP server.
func NewAPIKeyExpiryNotifier(keys ExpiringKeyStore, mailer Mailer, cfg *config.NotificationsConfig) *APIKeyExpiryNotifier {
	hours := cfg.APIKeyExpiryCheckIntervalHours
	if hours <= 0 {
		hours = 24
	}
	if mailer == nil {
		mailer = NewSMTPMailer(cfg.SMTP)
	}
	return &APIKeyExpiryNotifier{
		keys:     keys,
		mailer:   mailer,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs an initial check immediately, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (n *APIKeyExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("api key expiry notifier disabled", "reason", "notifications.enabled=false")
		return
	}
	if n.cfg.SMTP.Host == "" {
		slog.Info("api key expiry notifier disabled", "reason", "notifications.smtp.host not set")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("api key expiry notifier started",
		"interval", n.interval,
		"warning_days", n.warningDays())

	n.RunCheck(ctx)

	for {
		select {
		case <-ticker.C:
			n.RunCheck(ctx)
		case <-n.stopChan:
			slog.Info("api key expiry notifier stopped")
			return
		case <-ctx.Done():
			slog.Info("api key expiry notifier context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit. Safe to call more than once.
func (n *APIKeyExpiryNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
}

func (n *APIKeyExpiryNotifier) warningDays() int {
	if n.cfg.APIKeyExpiryWarningDays <= 0 {
		return 7
	}
	return n.cfg.APIKeyExpiryWarningDays
}

// RunCheck sends one warning per expiring key and returns how many were sent.
func (n *APIKeyExpiryNotifier) RunCheck(ctx context.Context) int {
	now := n.now()
	keys, err := n.keys.FindExpiringKeys(ctx, n.warningDays(), now)
	if err != nil {
		slog.Error("api key expiry notifier: failed to query expiring keys", "error", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	slog.Info("api key expiry notifier: keys approaching expiry", "count", len(keys))

	sent := 0
	for _, key := range keys {
		if key.ExpiresAt == nil {
			continue
		}
		subject, body := expiryMessage(key, now)
		if err := n.mailer.Send(n.cfg.Recipients, subject, body); err != nil {
			slog.Error("api key expiry notifier: failed to send email",
				"api_key_id", key.ID, "key_prefix", key.KeyPrefix, "error", err)
			continue
		}
		telemetry.APIKeyExpiryNotificationsSentTotal.Inc()
		sent++

		if err := n.keys.MarkExpiryNotificationSent(ctx, key.ID, now); err != nil {
			slog.Error("api key expiry notifier: failed to mark notification sent",
				"api_key_id", key.ID, "error", err)
		}
	}
	return sent
}

func expiryMessage(key *models.APIKey, now time.Time) (subject, body string) {
	daysLeft := int(key.ExpiresAt.Sub(now).Hours()/24) + 1
	if daysLeft < 0 {
		daysLeft = 0
	}

	subject = fmt.Sprintf("Action Required: API key '%s' expires in %d day(s)", key.Name, daysLeft)
	body = strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("The CRM API key '%s' (%s) will expire on %s (%d day(s) from now).",
			key.Name, auth.DisplayPrefix(key.KeyPrefix), key.ExpiresAt.UTC().Format(time.RFC1123), daysLeft),
		fmt.Sprintf("Scopes: %s", strings.Join(key.Scopes, ", ")),
		"",
		"To avoid an outage of the integration using it, rotate the key before it expires:",
		fmt.Sprintf("  POST /api/api-keys/%s/rotate with a grace_period_hours long enough", key.ID),
		"  to redeploy the integration with the new key.",
		"",
		"If the key is no longer needed, no action is required.",
	}, "\r\n")
	return subject, body
}

// SMTPMailer sends mail through the configured SMTP relay.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

// NewSMTPMailer creates a new SMTPMailer
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers a plain-text message to every recipient.
func (m *SMTPMailer) Send(to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		m.cfg.From, strings.Join(to, ", "), subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var smtpAuth smtp.Auth
	if m.cfg.Username != "" {
		smtpAuth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if m.cfg.UseTLS {
		return sendMailTLS(addr, m.cfg.Host, smtpAuth, m.cfg.From, to, msg)
	}
	return smtp.SendMail(addr, smtpAuth, m.cfg.From, to, msg)
}

// sendMailTLS connects via implicit TLS (port 465). When the TLS dial fails it falls
// back to smtp.SendMail, which upgrades with STARTTLS on port 587.
func sendMailTLS(addr, host string, smtpAuth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, smtpAuth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if smtpAuth != nil {
		if err := c.Auth(smtpAuth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
