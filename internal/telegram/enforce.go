package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/loops"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// enforcement is one moderation action waiting for the Telegram API.
type enforcement struct {
	action  string
	actor   string
	channel string
}

// identityKey addresses the numeric Telegram identity behind a moderation
// actor name. Mutes and bans are per chat, so the channel is part of the
// key.
type identityKey struct {
	actor   string
	channel string
}

type chatIdentity struct {
	chatID   int64
	userID   int64
	lastSeen time.Time
}

// maxIdentities bounds the identity cache. Busy public groups would grow
// it without limit otherwise; evicting the oldest entry only means a ban
// waits until the offender posts again.
const maxIdentities = 4096

// handleModerationAction queues one action from the moderation loop.
// Malformed payloads are logged and skipped; enforcement must never
// poison the bus subscription.
func (w *Worker) handleModerationAction(_ context.Context, msg *bus.Message) error {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		w.log.Warn().
			Str("message_id", msg.ID.String()).
			Str("sender", msg.Sender).
			Msg("Discarding malformed moderation action")
		return nil
	}

	act := enforcement{
		action:  stringField(data, "action"),
		actor:   stringField(data, "actor"),
		channel: stringField(data, "channel"),
	}
	if act.actor == "" {
		act.actor = msg.Key
	}
	if act.action == "" || act.actor == "" {
		w.log.Warn().Str("message_id", msg.ID.String()).Msg("Moderation action missing action or actor")
		return nil
	}

	select {
	case w.actions <- act:
	default:
		w.log.Warn().
			Str("actor", act.actor).
			Str("action", act.action).
			Msg("Enforcement queue full, dropping action")
	}
	return nil
}

// enforce executes one action against the Telegram API. Log-level actions
// were already journaled by the moderation loop; everything else needs the
// cached numeric identity of the offender.
func (w *Worker) enforce(act enforcement) {
	if act.action == loops.ActionLog {
		return
	}

	id, ok := w.identity(act.actor, act.channel)
	if !ok {
		w.log.Warn().
			Str("actor", act.actor).
			Str("channel", act.channel).
			Str("action", act.action).
			Msg("No cached identity for actor, skipping enforcement")
		return
	}

	var err error
	switch act.action {
	case loops.ActionWarn:
		text := fmt.Sprintf("%s your recent message was flagged by moderation. Please keep it civil.", act.actor)
		_, err = w.api.Send(tgbotapi.NewMessage(id.chatID, text))
	case loops.ActionMute:
		_, err = w.api.Request(tgbotapi.RestrictChatMemberConfig{
			ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: id.chatID, UserID: id.userID},
			UntilDate:        time.Now().Add(w.cfg.MuteDuration).Unix(),
			Permissions:      &tgbotapi.ChatPermissions{},
		})
	case loops.ActionBan:
		_, err = w.api.Request(tgbotapi.BanChatMemberConfig{
			ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: id.chatID, UserID: id.userID},
		})
	default:
		w.log.Warn().Str("action", act.action).Msg("Unknown moderation action")
		return
	}

	if err != nil {
		metrics.RecordError(string(faults.ExternalUnavailable), w.cfg.Actor)
		w.log.Error().Err(err).
			Str("actor", act.actor).
			Str("action", act.action).
			Int64("chat_id", id.chatID).
			Msg("Enforcement call failed")
		return
	}
	w.log.Info().
		Str("actor", act.actor).
		Str("action", act.action).
		Str("channel", act.channel).
		Msg("Moderation action enforced")
}

// remember caches the numeric identity behind an actor name so a later
// mute or ban can address the right user in the right chat.
func (w *Worker) remember(actor, channel string, chatID, userID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.seen) >= maxIdentities {
		w.evictOldestLocked()
	}
	w.seen[identityKey{actor: actor, channel: channel}] = chatIdentity{
		chatID:   chatID,
		userID:   userID,
		lastSeen: time.Now(),
	}
}

func (w *Worker) identity(actor, channel string) (chatIdentity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.seen[identityKey{actor: actor, channel: channel}]
	return id, ok
}

func (w *Worker) evictOldestLocked() {
	var oldest identityKey
	var oldestAt time.Time
	first := true
	for k, v := range w.seen {
		if first || v.lastSeen.Before(oldestAt) {
			oldest, oldestAt, first = k, v.lastSeen, false
		}
	}
	if !first {
		delete(w.seen, oldest)
	}
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
