package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"

	"coderun/internal/agent"
	"coderun/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for a Telegram bot.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	parseMode string
	commands  *agent.Commands

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Commands  *agent.Commands
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := lo.FilterMap(cfg.AllowFrom, func(s string, _ int) (int64, bool) {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return id, err == nil
	})
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		commands:  cfg.Commands,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chat_id", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(ctx, chatID, FormatResult(msg))
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(ctx, chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	chat := strconv.FormatInt(chatID, 10)
	if reply, ok := t.handleCommand(text, chat); ok {
		t.sendMessage(ctx, chatID, reply)
		return
	}

	t.logger.Info("telegram query received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	t.bus.Publish(t.inbound(chat, strconv.FormatInt(userID, 10), text, time.Unix(int64(update.Message.Date), 0)))
}

// handleCommand answers slash commands. Unknown commands fall through and
// are sent as queries.
func (t *Telegram) handleCommand(text, chatID string) (string, bool) {
	cmd := agent.ParseCommand(text)
	if cmd == nil || t.commands == nil {
		return "", false
	}
	res := t.commands.Handle(cmd, t.Name(), chatID)
	return res.Response, res.Handled
}

func (t *Telegram) inbound(chatID, senderID, text string, at time.Time) domain.InboundMessage {
	msg := domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   text,
		Timestamp: at,
	}
	if t.commands != nil {
		msg.Model = t.commands.ModelFor(t.Name(), chatID)
	}
	return msg
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || lo.Contains(t.allowFrom, userID)
}

// splitMessage cuts text into chunks of at most maxLen characters,
// preferring newlines. Telegram counts the limit in characters, and a chunk
// never ends inside a multi-byte rune.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	rest := []rune(text)
	for len(rest) > 0 {
		if len(rest) <= maxLen {
			chunks = append(chunks, string(rest))
			break
		}
		cutAt := -1
		for i := maxLen - 1; i >= 0; i-- {
			if rest[i] == '\n' {
				cutAt = i
				break
			}
		}
		if cutAt <= 0 || cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, string(rest[:cutAt]))
		rest = rest[cutAt:]
	}
	return chunks
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if ctx.Err() != nil {
			return
		}
		t.sendChunk(ctx, chatID, chunk)
	}
}

// sleepCtx waits for d, returning false early when ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// sendChunk sends one chunk, falling back to plain text on a Markdown parse
// error and backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			if !sleepCtx(ctx, retryAfter) {
				return
			}
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			if _, err2 := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
