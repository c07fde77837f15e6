// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

// maxLines caps the change lines in one message; the rest is summarised.
const maxLines = 15

const (
	// pollTimeout is the long-poll wait of getUpdates in seconds. It must stay
	// below requestTimeout.
	pollTimeout         = 10
	requestTimeout      = 30 * time.Second
	defaultAlertTimeout = 30 * time.Second
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	alertTimeout   time.Duration

	mu     sync.RWMutex
	status func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot *tgbotapi.BotAPI, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		alertTimeout:   defaultAlertTimeout,
	}
}

// SetStatusFunc sets the provider of the /status reply.
func (c *Client) SetStatusFunc(fn func() string) {
	c.mu.Lock()
	c.status = fn
	c.mu.Unlock()
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
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
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		c.mu.RLock()
		fn := c.status
		c.mu.RUnlock()
		if fn == nil {
			text = "No status available"
		} else {
			text = fn()
		}
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.bot.Send(reply) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := c.send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("send abandoned: %w", lastErr)
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// send performs one Send bounded by ctx. The bot API takes no context, so an
// abandoned request finishes in the background under the HTTP client timeout.
func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Collector error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	ctx, cancel := context.WithTimeout(context.Background(), c.alertTimeout)
	defer cancel()
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Collector recovered* after %d consecutive failure\\(s\\)", failureCount)
	ctx, cancel := context.WithTimeout(context.Background(), c.alertTimeout)
	defer cancel()
	return c.sendMarkdownV2(ctx, text)
}

// Name identifies the sink in logs.
func (c *Client) Name() string { return "telegram" }

// Deliver sends one message for the changes of an underlying. Errors are logged.
func (c *Client) Deliver(ctx context.Context, underlying string, events []models.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	if err := c.sendMarkdownV2(ctx, formatChanges(underlying, events)); err != nil {
		logger.Error("Failed to send Telegram notification for %s: %v", underlying, err)
	}
}

// formatChanges renders a group of change events as a MarkdownV2 message.
// Events are expected in delivery order.
func formatChanges(underlying string, events []models.ChangeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *Circuit limit changes: %s*\n", escapeMarkdownV2(underlying))

	detected := events[0].DetectedAt
	if spot := events[0].Context.UnderlyingPrice; spot.Valid {
		fmt.Fprintf(&b, "📍 Spot %s\n", escapeMarkdownV2(spot.Decimal.StringFixed(2)))
	}
	fmt.Fprintf(&b, "📅 Detected: %s\n\n", escapeMarkdownV2(detected.Format("2006-01-02 15:04:05")))

	for i, e := range events {
		if i == maxLines {
			fmt.Fprintf(&b, "\\+%d more\n", len(events)-maxLines)
			break
		}
		fmt.Fprintf(&b, "%s *%s* %s\n",
			severityEmoji(e.Severity),
			escapeMarkdownV2(e.TradingSymbol),
			escapeMarkdownV2(strings.ToUpper(e.Severity.String())))
		fmt.Fprintf(&b, "   L %s → %s \\(%s\\)  U %s → %s \\(%s\\)\n",
			escapeMarkdownV2(e.PrevLower.String()), escapeMarkdownV2(e.NewLower.String()), signedPct(e.LowerPct),
			escapeMarkdownV2(e.PrevUpper.String()), escapeMarkdownV2(e.NewUpper.String()), signedPct(e.UpperPct))
	}
	return b.String()
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityHigh:
		return "🟠"
	case models.SeverityMedium:
		return "🟡"
	default:
		return "⚪"
	}
}

func signedPct(p decimal.Decimal) string {
	s := p.StringFixed(2)
	if !strings.HasPrefix(s, "-") {
		s = "+" + s
	}
	return escapeMarkdownV2(s + "%")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
