package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"companiond/internal/domain"
	"companiond/internal/lane"
	"companiond/internal/router"
)

const (
	telegramPrefix         = "tg:"
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// botAPI is the subset of *tgbotapi.BotAPI the channel needs.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram implements domain.Channel with Bot API long polling. Each chat is
// the channel "tg:<chat id>".
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	router    Submitter
	lanes     *lane.Serial
	api       botAPI
	bot       *tgbotapi.BotAPI
	logger    *slog.Logger
	retryWait time.Duration
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	Router    Submitter
	Lanes     *lane.Serial
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Lanes == nil {
		cfg.Lanes = lane.NewSerial()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		router:    cfg.Router,
		lanes:     cfg.Lanes,
		logger:    cfg.Logger,
		retryWait: time.Second,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// TelegramChannelID returns the channel id of a chat.
func TelegramChannelID(chatID int64) string {
	return telegramPrefix + strconv.FormatInt(chatID, 10)
}

// ParseTelegramChannelID extracts the chat id from a "tg:" channel id.
func ParseTelegramChannelID(channelID string) (int64, bool) {
	rest, ok := strings.CutPrefix(channelID, telegramPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// Connect authenticates the bot. Call it before Start when Send may be used
// from other goroutines.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.api = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start polls for updates until ctx is cancelled, connecting first if needed.
func (t *Telegram) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}
	bot := t.bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			t.lanes.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

// Send delivers text to a "tg:" channel.
func (t *Telegram) Send(ctx context.Context, channelID, text string) error {
	chatID, ok := ParseTelegramChannelID(channelID)
	if !ok {
		return fmt.Errorf("telegram: invalid channel id %q", channelID)
	}
	if t.api == nil {
		return errors.New("telegram: not connected")
	}
	return t.sendMessage(ctx, chatID, text)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	channelID := TelegramChannelID(chatID)
	t.logger.Info("telegram message received", "channel", channelID, "len", len(text))

	t.lanes.Go(channelID, func() {
		_, _ = t.api.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

		reply, err := t.router.Submit(ctx, router.Inbound{
			ChannelID: channelID,
			Source:    domain.SourceTelegram,
			Text:      text,
		})
		if err != nil {
			t.logger.Error("telegram message failed", "channel", channelID, "err", err)
			return
		}
		if reply.Text == "" {
			return
		}
		if err := t.sendMessage(ctx, chatID, reply.Text); err != nil {
			t.logger.Error("telegram reply failed", "channel", channelID, "err", err)
		}
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text at the Telegram size limit, preferring newlines.
func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
				for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
					cutAt--
				}
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk retries transient failures with linear backoff; rate limits wait
// longer.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.api.Send(tgbotapi.NewMessage(chatID, text)); err == nil {
			return nil
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		wait := time.Duration(attempt+1) * t.retryWait
		if strings.Contains(err.Error(), "Too Many Requests") {
			wait *= 3
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}
