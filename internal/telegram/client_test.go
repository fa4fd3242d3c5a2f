package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyscore/internal/retry"
)

type fakeSender struct {
	errs []error
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{}, nil
}

func noSleepPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{`back\slash`, `back\\slash`},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// Chat ID parsing happens before any network call.
	_, err := NewClient("", "not-a-number", retry.Policy{})
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestSendAlert_Format(t *testing.T) {
	f := &fakeSender{}
	c := newClient(f, 42, noSleepPolicy())

	if err := c.SendAlert(context.Background(), "Market Alert: gap", "Market: m-1\nDifference: 16.67%"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sent))
	}
	msg := f.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("unexpected chat or parse mode: %d %q", msg.ChatID, msg.ParseMode)
	}
	want := "🚨 *Market Alert: gap*\n\nMarket: m\\-1\nDifference: 16\\.67%\n"
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	f := &fakeSender{errs: []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, nil}}
	c := newClient(f, 1, noSleepPolicy())

	if err := c.SendRecovery(context.Background(), "aggregator", 3); err != nil {
		t.Fatalf("SendRecovery: %v", err)
	}
	if len(f.sent) != 2 {
		t.Errorf("attempts = %d, want 2", len(f.sent))
	}
	if !strings.Contains(f.sent[1].Text, "after 3 consecutive") {
		t.Errorf("unexpected text %q", f.sent[1].Text)
	}
}

func TestSend_BadRequestNotRetried(t *testing.T) {
	apiErr := &tgbotapi.Error{Code: 400, Message: "can't parse entities"}
	f := &fakeSender{errs: []error{apiErr}}
	c := newClient(f, 1, noSleepPolicy())

	err := c.SendError(context.Background(), "alerts", errors.New("db down"))
	if !errors.Is(err, apiErr) {
		t.Fatalf("got %v, want the API error", err)
	}
	if len(f.sent) != 1 {
		t.Errorf("attempts = %d, want 1", len(f.sent))
	}
}
