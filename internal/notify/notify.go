// Package notify delivers alert messages through pluggable sinks.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/telegram"
)

// Backends selectable from configuration.
const (
	BackendSMTP     = "smtp"
	BackendTelegram = "telegram"
	BackendLog      = "log"
)

// Sink sends one message. A nil error means the message was accepted for
// delivery. Body is plain text, one item per line.
type Sink interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// RequiresRecipient reports whether s addresses messages to the recipient
// it is given. Sinks that deliver to a fixed destination return false.
func RequiresRecipient(s Sink) bool {
	r, ok := s.(interface{ RequiresRecipient() bool })
	return ok && r.RequiresRecipient()
}

// Message is a record of a message handed to a LogSink.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	SentAt    time.Time
}

// LogSink logs every message and keeps it in memory.
type LogSink struct {
	mu   sync.Mutex
	sent []Message
}

// NewLogSink returns an empty LogSink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Send(ctx context.Context, recipient, subject, body string) error {
	s.mu.Lock()
	s.sent = append(s.sent, Message{Recipient: recipient, Subject: subject, Body: body, SentAt: time.Now()})
	s.mu.Unlock()
	logger.Info("Notification to %s: %s", recipient, subject)
	logger.Debug("Notification body:\n%s", body)
	return nil
}

// Sent returns a copy of every message sent so far.
func (s *LogSink) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// TelegramSink posts messages to the configured chat, ignoring the recipient.
type TelegramSink struct {
	client *telegram.Client
}

// NewTelegramSink wraps client.
func NewTelegramSink(client *telegram.Client) *TelegramSink {
	return &TelegramSink{client: client}
}

func (s *TelegramSink) Send(ctx context.Context, _, subject, body string) error {
	return s.client.SendAlert(ctx, subject, body)
}
