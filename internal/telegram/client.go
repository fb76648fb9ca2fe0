// Package telegram delivers notifications to a Telegram chat and routes chat
// commands to the command dispatcher.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/papertrade/internal/logger"
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// CommandHandler answers a chat command line with reply text.
type CommandHandler interface {
	Handle(ctx context.Context, text string) string
}

// Client handles Telegram notifications.
type Client struct {
	bot            botAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Info("Authorized on Telegram account %s", bot.Self.UserName)

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot botAPI, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
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
	}
}

// ListenForCommands polls for updates and answers commands from the configured
// chat until ctx is cancelled. Messages from other chats are ignored.
func (c *Client) ListenForCommands(ctx context.Context, handler CommandHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)
	defer c.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || !msg.IsCommand() || msg.Chat == nil {
				continue
			}
			if msg.Chat.ID != c.chatID {
				logger.Warn("Ignoring command from unauthorized chat %d", msg.Chat.ID)
				continue
			}
			c.handleCommand(ctx, handler, msg)
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, handler CommandHandler, msg *tgbotapi.Message) {
	logger.Debug("Telegram command: %s", msg.Text)
	reply := tgbotapi.NewMessage(msg.Chat.ID, handler.Handle(ctx, msg.Text))
	reply.ReplyToMessageID = msg.MessageID
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// Notify sends a titled notification. Delivery failures are logged only.
func (c *Client) Notify(title, message string) {
	if err := c.sendMarkdownV2(formatNotification(title, message)); err != nil {
		logger.Warn("Failed to deliver %q to Telegram: %v", title, err)
	}
}

// SendError sends a price refresh error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Price refresh error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Price refresh recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

func formatNotification(title, message string) string {
	emoji := "🔔"
	switch title {
	case "Price Alert Triggered":
		emoji = "🚨"
	case "Alert Created":
		emoji = "✅"
	case "Alert Removed":
		emoji = "🗑"
	}
	return fmt.Sprintf("%s *%s*\n%s", emoji, escapeMarkdownV2(title), escapeMarkdownV2(message))
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
