package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// telegramSender is the slice of the bot API this transport needs.
// *tgbotapi.BotAPI satisfies it.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter delivers alerts to a set of Telegram chats. Chat IDs
// can change at runtime: the chat worker registers operator chats as it
// learns about them.
type TelegramAlerter struct {
	api telegramSender

	mu      sync.RWMutex
	chatIDs []int64
}

// NewTelegramAlerter authenticates the bot and builds the transport. The
// token is opaque: it is handed to the API client and never logged.
func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().
		Str("bot_username", api.Self.UserName).
		Int("chats", len(chatIDs)).
		Msg("Telegram alerter initialized")
	return newTelegramAlerter(api, chatIDs), nil
}

func newTelegramAlerter(api telegramSender, chatIDs []int64) *TelegramAlerter {
	return &TelegramAlerter{api: api, chatIDs: append([]int64(nil), chatIDs...)}
}

// Send formats the alert once and delivers it to every registered chat.
// Partial delivery is success; only reaching nobody is an error.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	chatIDs := t.ChatIDs()
	if len(chatIDs) == 0 {
		log.Warn().Str("alert_title", alert.Title).Msg("No telegram chats registered, alert dropped")
		return nil
	}

	text := formatTelegramAlert(alert)
	var delivered int
	var errs []error
	for _, chatID := range chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.api.Send(msg); err != nil {
			log.Error().Err(err).
				Int64("chat_id", chatID).
				Str("alert_title", alert.Title).
				Msg("Telegram delivery failed")
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("telegram alert reached no chats: %w", errors.Join(errs...))
	}
	return nil
}

// AddChatID registers a chat for alerts. Duplicates are ignored.
func (t *TelegramAlerter) AddChatID(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.chatIDs {
		if id == chatID {
			return
		}
	}
	t.chatIDs = append(t.chatIDs, chatID)
	log.Info().Int64("chat_id", chatID).Msg("Telegram chat registered for alerts")
}

// RemoveChatID unregisters a chat.
func (t *TelegramAlerter) RemoveChatID(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range t.chatIDs {
		if id == chatID {
			t.chatIDs = append(t.chatIDs[:i], t.chatIDs[i+1:]...)
			return
		}
	}
}

// ChatIDs returns a snapshot of the registered chats.
func (t *TelegramAlerter) ChatIDs() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]int64(nil), t.chatIDs...)
}

func formatTelegramAlert(alert Alert) string {
	var marker string
	switch alert.Severity {
	case SeverityCritical:
		marker = "🚨"
	case SeverityWarning:
		marker = "⚠️"
	default:
		marker = "ℹ️"
	}

	text := fmt.Sprintf("%s *%s*\n%s", marker, alert.Title, alert.Message)
	if len(alert.Metadata) > 0 {
		keys := make([]string, 0, len(alert.Metadata))
		for key := range alert.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			text += fmt.Sprintf("\n`%s`: %v", key, alert.Metadata[key])
		}
	}
	text += fmt.Sprintf("\n_%s_", alert.Timestamp.Format("2006-01-02 15:04:05 MST"))
	return text
}
