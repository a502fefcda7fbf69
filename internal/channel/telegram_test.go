package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu       sync.Mutex
	messages []tgbotapi.MessageConfig
	actions  int
	failures int // Send fails this many times first
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch m := c.(type) {
	case tgbotapi.ChatActionConfig:
		b.actions++
	case tgbotapi.MessageConfig:
		if b.failures > 0 {
			b.failures--
			return tgbotapi.Message{}, errors.New("Bad Gateway")
		}
		b.messages = append(b.messages, m)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		out = append(out, m.Text)
	}
	return out
}

func newTestTelegram(sub Submitter, bot *fakeBot, allow ...string) *Telegram {
	tg := NewTelegram(TelegramConfig{Token: "x", AllowFrom: allow, Router: sub, Logger: testLogger()})
	tg.api = bot
	tg.retryWait = time.Millisecond
	return tg
}

func update(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func TestTelegram_ChannelID(t *testing.T) {
	id := TelegramChannelID(-100123)
	if id != "tg:-100123" {
		t.Errorf("unexpected channel id %s", id)
	}
	chat, ok := ParseTelegramChannelID(id)
	if !ok || chat != -100123 {
		t.Errorf("expected -100123, got %d %v", chat, ok)
	}
	if _, ok := ParseTelegramChannelID("15550100000"); ok {
		t.Error("phone numbers are not telegram channels")
	}
}

func TestTelegram_HandleUpdate(t *testing.T) {
	sub := &recordingSubmitter{}
	bot := &fakeBot{}
	tg := newTestTelegram(sub, bot)

	tg.handleUpdate(context.Background(), update(1, 42, "first"))
	tg.handleUpdate(context.Background(), update(1, 42, "second"))
	tg.lanes.Wait()

	got := bot.texts()
	if len(got) != 2 || got[0] != "re: first" || got[1] != "re: second" {
		t.Errorf("unexpected replies %v", got)
	}
	if bot.actions != 2 {
		t.Errorf("expected a typing action per message, got %d", bot.actions)
	}
	if sub.inputs[0].ChannelID != "tg:42" || sub.inputs[0].Source != "telegram" {
		t.Errorf("unexpected inbound %+v", sub.inputs[0])
	}
}

func TestTelegram_AllowList(t *testing.T) {
	sub := &recordingSubmitter{}
	tg := newTestTelegram(sub, &fakeBot{}, "7")

	tg.handleUpdate(context.Background(), update(8, 42, "hi"))
	tg.handleUpdate(context.Background(), update(7, 42, "hi"))
	tg.lanes.Wait()

	if len(sub.inputs) != 1 {
		t.Errorf("expected only the allowed user through, got %d", len(sub.inputs))
	}
}

func TestTelegram_SendChunksAndRetries(t *testing.T) {
	bot := &fakeBot{failures: 1}
	tg := newTestTelegram(&recordingSubmitter{}, bot)

	long := strings.Repeat("a", telegramMaxMsgLen) + strings.Repeat("b", 10)
	if err := tg.Send(context.Background(), "tg:9", long); err != nil {
		t.Fatal(err)
	}
	got := bot.texts()
	if len(got) != 2 || len(got[0]) != telegramMaxMsgLen || got[1] != strings.Repeat("b", 10) {
		t.Errorf("unexpected chunks: %d parts", len(got))
	}

	if err := tg.Send(context.Background(), "15550100000", "x"); err == nil {
		t.Error("expected an error for a non-telegram channel")
	}
}

func TestTelegram_SendSplitsOnRuneBoundary(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(&recordingSubmitter{}, bot)

	text := "a" + strings.Repeat("é", telegramMaxMsgLen)
	if err := tg.Send(context.Background(), "tg:9", text); err != nil {
		t.Fatal(err)
	}
	got := bot.texts()
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	if strings.Join(got, "") != text {
		t.Error("chunks do not reassemble to the original text")
	}
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > telegramMaxMsgLen {
			t.Errorf("chunk %d has %d bytes, limit %d", i, len(c), telegramMaxMsgLen)
		}
	}
}

func TestTelegram_SendGivesUp(t *testing.T) {
	bot := &fakeBot{failures: telegramMaxSendRetries + 1}
	tg := newTestTelegram(&recordingSubmitter{}, bot)
	if err := tg.Send(context.Background(), "tg:9", "hi"); err == nil {
		t.Error("expected failure after exhausting retries")
	}
}
