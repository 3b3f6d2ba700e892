// Package notify sends pipeline notifications via the Telegram Bot API.
// It reports submitted GeoTIFF exports and failed actions, retrying
// delivery on transient API errors.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
)

// sender is the part of tgbotapi.BotAPI the client uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client delivers notifications to one Telegram chat
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	now            func() time.Time
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		now:            time.Now,
	}, nil
}

// ExportSubmitted reports a GeoTIFF export handed to the engine
func (c *Client) ExportSubmitted(job *models.ExportJob, areaName string) error {
	return c.send(formatExport(job, areaName))
}

// ActionFailed reports an action that ended with an error
func (c *Client) ActionFailed(action string, err error) error {
	return c.send(formatFailure(action, err, c.now()))
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Debug("Telegram send attempt %d/%d failed: %v", i+1, c.maxRetries, err)
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

func formatExport(job *models.ExportJob, areaName string) string {
	var b strings.Builder
	b.WriteString("📦 *Export submitted*\n\n")
	fmt.Fprintf(&b, "🗺 File: `%s`\n", escapeCode(job.Filename))
	if areaName != "" {
		fmt.Fprintf(&b, "📍 Area: %s\n", escapeMarkdownV2(areaName))
	}
	if job.Name != "" {
		fmt.Fprintf(&b, "🆔 Task: `%s`\n", escapeCode(job.Name))
	}
	if !job.SubmittedAt.IsZero() {
		fmt.Fprintf(&b, "📅 Submitted: %s\n", escapeMarkdownV2(job.SubmittedAt.UTC().Format("2006-01-02 15:04:05")))
	}
	b.WriteString("\nThe file appears in Google Drive when the task completes\\.")
	return b.String()
}

func formatFailure(action string, err error, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s failed*\n\n", escapeMarkdownV2(action))
	fmt.Fprintf(&b, "Kind: %s\n", escapeMarkdownV2(models.Kind(err)))
	fmt.Fprintf(&b, "Error: %s\n", escapeMarkdownV2(errorText(err)))
	fmt.Fprintf(&b, "📅 %s", escapeMarkdownV2(at.UTC().Format("2006-01-02 15:04:05")))
	return b.String()
}

// errorText keeps messages under Telegram's length limit
func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	const limit = 512
	text := err.Error()
	if r := []rune(text); len(r) > limit {
		text = string(r[:limit]) + "..."
	}
	return text
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside an inline code span
func escapeCode(text string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return r.Replace(text)
}
