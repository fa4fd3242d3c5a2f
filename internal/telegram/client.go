// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/retry"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot    *tgbotapi.BotAPI
	api    sender
	chatID int64
	policy retry.Policy
}

// NewClient creates a new Telegram client. A zero policy uses retry.DefaultPolicy.
func NewClient(botToken, chatID string, policy retry.Policy) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, policy)
	c.bot = bot
	return c, nil
}

func newClient(api sender, chatID int64, policy retry.Policy) *Client {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Client{api: api, chatID: chatID, policy: policy}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		if _, err := c.api.Send(reply); err != nil {
			logger.Warn("Failed to answer /ping: %v", err)
		}
	}
}

// sendMarkdownV2 sends a MarkdownV2 message, retrying rate limits, server
// errors and network failures under the client's policy.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	return c.policy.Do(ctx, func(ctx context.Context) error {
		if _, err := c.api.Send(msg); err != nil {
			return classify(err)
		}
		return nil
	})
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return retry.Transient(err)
		}
		return retry.Permanent(err)
	}
	return err
}

// SendError sends a cycle error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, loop string, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *%s error*\n`%s`", escapeMarkdownV2(loop), escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, loop string, failureCount int) error {
	text := fmt.Sprintf("✅ *%s recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(loop), failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// SendAlert sends a titled plain-text message, one body line per line.
func (c *Client) SendAlert(ctx context.Context, title, body string) error {
	return c.sendMarkdownV2(ctx, formatAlert(title, body))
}

func formatAlert(title, body string) string {
	var b strings.Builder
	b.WriteString("🚨 *")
	b.WriteString(escapeMarkdownV2(title))
	b.WriteString("*\n\n")
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		b.WriteString(escapeMarkdownV2(line))
		b.WriteByte('\n')
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
