package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
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
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failures int
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("bad gateway")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func TestNotify_FormatsAndRetries(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c := newClient(bot, 42, 3, time.Millisecond)

	c.Notify("Price Alert Triggered", "Bitcoin (BTC) is now $10,000.00")

	sent := bot.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	want := "🚨 *Price Alert Triggered*\nBitcoin \\(BTC\\) is now $10,000\\.00"
	if sent[0].Text != want {
		t.Errorf("text = %q, want %q", sent[0].Text, want)
	}
	if sent[0].ParseMode != tgbotapi.ModeMarkdownV2 || sent[0].ChatID != 42 {
		t.Errorf("unexpected message config: %+v", sent[0])
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	bot := &fakeBot{failures: 5}
	c := newClient(bot, 42, 3, time.Millisecond)
	c.Notify("Alert Created", "x")
	if n := len(bot.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
	if bot.failures != 2 {
		t.Errorf("attempts = %d, want 3", 5-bot.failures)
	}
}

func TestSendErrorAndRecovery(t *testing.T) {
	bot := &fakeBot{}
	c := newClient(bot, 1, 1, time.Millisecond)
	if err := c.SendError(errors.New("status 503.")); err != nil {
		t.Fatal(err)
	}
	if err := c.SendRecovery(4); err != nil {
		t.Fatal(err)
	}
	sent := bot.messages()
	if !strings.Contains(sent[0].Text, "`status 503\\.`") {
		t.Errorf("error text = %q", sent[0].Text)
	}
	if !strings.Contains(sent[1].Text, "after 4 consecutive") {
		t.Errorf("recovery text = %q", sent[1].Text)
	}
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, text string) string { return "echo " + text }

func command(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 7,
		Text:      text,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}},
	}}
}

func TestListenForCommands(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 4)}
	c := newClient(bot, 42, 1, time.Millisecond)

	bot.updates <- command(99, "/buy spot bitcoin 1")
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 42}}}
	bot.updates <- command(42, "/ping")
	close(bot.updates)

	if err := c.ListenForCommands(context.Background(), echoHandler{}); err != nil {
		t.Fatal(err)
	}

	sent := bot.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sent))
	}
	if sent[0].Text != "echo /ping" || sent[0].ChatID != 42 || sent[0].ReplyToMessageID != 7 {
		t.Errorf("unexpected reply: %+v", sent[0])
	}
	if !bot.stopped {
		t.Error("updates were not stopped")
	}
}

func TestListenForCommands_StopsOnCancel(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update)}
	c := newClient(bot, 42, 1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ListenForCommands(ctx, echoHandler{}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
