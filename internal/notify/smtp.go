package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/rewired-gh/polyscore/internal/retry"
)

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// DefaultSMTPPolicy waits 1s, 2s and 4s between four attempts.
func DefaultSMTPPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 2}
}

type mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSink sends email. Connection-level failures are retried; rejections
// by the server are returned as-is.
type SMTPSink struct {
	mu     sync.Mutex
	client mailer
	from   string
	policy retry.Policy
}

// NewSMTPSink builds a sink for cfg. No connection is made until Send.
func NewSMTPSink(cfg SMTPConfig) (*SMTPSink, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return newSMTPSink(client, from, DefaultSMTPPolicy()), nil
}

func newSMTPSink(client mailer, from string, policy retry.Policy) *SMTPSink {
	return &SMTPSink{client: client, from: from, policy: policy}
}

// RequiresRecipient is true: every message goes to the rule's address.
func (s *SMTPSink) RequiresRecipient() bool { return true }

func (s *SMTPSink) Send(ctx context.Context, recipient, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody(subject, body))

	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return classifySMTP(s.dialAndSend(ctx, msg))
	})
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", recipient, err)
	}
	return nil
}

// dialAndSend holds the lock for one connection only, never across backoff.
func (s *SMTPSink) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.DialAndSendWithContext(ctx, msg)
}

// classifySMTP marks temporary server replies and connection failures as
// transient. Any other server reply is permanent.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return retry.Transient(err)
		}
		return retry.Permanent(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Transient(err)
}

func htmlBody(subject, body string) string {
	var b strings.Builder
	b.WriteString("<html><body><h2>")
	b.WriteString(html.EscapeString(subject))
	b.WriteString("</h2>")
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(line))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
