// Package telegram runs the chat-facing bot. It long-polls updates under
// an instance lock keyed by the bot token, turns chat messages into
// content_posted events for the moderation loop, and carries out the
// warn/mute/ban actions the loop publishes back. Exactly one process may
// poll a given token: Telegram hands each update to one consumer, so a
// second poller would silently steal half the stream.
package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/lockmgr"
	"github.com/ajitpratap0/botfunk/internal/loops"
)

// Config holds the bot settings. The token is opaque: it is handed to the
// API client and hashed for the lock name, never logged or persisted.
type Config struct {
	BotToken     string
	Actor        string        // bus sender and subscriber identity
	PollTimeout  time.Duration // long-poll window per GetUpdates call
	MuteDuration time.Duration // how long a mute restriction lasts
	QueueSize    int           // pending enforcement actions
	AllowedChats []int64       // empty admits every chat the bot is in
	Debug        bool
}

func (c Config) normalized() Config {
	if c.Actor == "" {
		c.Actor = "telegram-worker"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.MuteDuration <= 0 {
		c.MuteDuration = 30 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// chatAPI is the slice of the Telegram client the worker uses, so tests
// can drive the update stream without a network.
type chatAPI interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// Worker is the supervised chat bot component.
type Worker struct {
	cfg   Config
	bus   *bus.Bus
	locks *lockmgr.Manager
	log   zerolog.Logger

	api     chatAPI
	subs    []bus.Handle
	actions chan enforcement

	mu    sync.Mutex
	lease *lockmgr.Lease
	seen  map[identityKey]chatIdentity
}

// New builds a worker that dials Telegram during Initialize. A nil lock
// manager skips the instance lock, which is only sensible in tests.
func New(cfg Config, eventBus *bus.Bus, locks *lockmgr.Manager, log zerolog.Logger) (*Worker, error) {
	if cfg.BotToken == "" {
		return nil, faults.New(faults.Contract, "telegram.new", "bot token is required")
	}
	if eventBus == nil {
		return nil, faults.New(faults.Contract, "telegram.new", "event bus is required")
	}
	return newWorker(cfg, nil, eventBus, locks, log), nil
}

func newWorker(cfg Config, api chatAPI, eventBus *bus.Bus, locks *lockmgr.Manager, log zerolog.Logger) *Worker {
	cfg = cfg.normalized()
	return &Worker{
		cfg:     cfg,
		bus:     eventBus,
		locks:   locks,
		log:     log.With().Str("component", cfg.Actor).Logger(),
		api:     api,
		actions: make(chan enforcement, cfg.QueueSize),
		seen:    make(map[identityKey]chatIdentity),
	}
}

// LockResource names the instance lock for a bot token without exposing
// the token itself.
func LockResource(botToken string) string {
	sum := sha256.Sum256([]byte(botToken))
	return "telegram-bot-" + hex.EncodeToString(sum[:8])
}

// Initialize authorizes against the Telegram API, claims the token's
// instance lock, and subscribes to moderation actions. A held lock is a
// Safety error: the supervisor's backoff doubles as the takeover retry.
func (w *Worker) Initialize(ctx context.Context) error {
	if w.api == nil {
		api, err := tgbotapi.NewBotAPI(w.cfg.BotToken)
		if err != nil {
			return faults.Wrap(faults.ExternalUnavailable, "telegram.init", err)
		}
		api.Debug = w.cfg.Debug
		w.log.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
		w.api = api
	}

	if w.locks != nil {
		lease, busy, err := w.locks.AcquireAndHold(ctx, LockResource(w.cfg.BotToken))
		if err != nil {
			return err
		}
		if busy != nil {
			return faults.New(faults.Safety, "telegram.init",
				fmt.Sprintf("bot instance lock held by %s", busy.HolderID))
		}
		w.setLease(lease)
	}

	h, err := w.bus.Subscribe(bus.Subscription{
		Subscriber: w.cfg.Actor,
		Types:      []bus.MessageType{bus.TypeModerationAction},
		Handler:    w.handleModerationAction,
	})
	if err != nil {
		w.releaseLease()
		return err
	}
	w.subs = append(w.subs, h)
	return nil
}

// Run consumes the update stream and the enforcement queue until the
// context is canceled or the instance lock is lost.
func (w *Worker) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(w.cfg.PollTimeout / time.Second)
	updates := w.api.GetUpdatesChan(u)

	var lost <-chan struct{}
	if lease := w.currentLease(); lease != nil {
		lost = lease.Lost()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return faults.New(faults.Safety, "telegram.run", "bot instance lock lost")
		case act := <-w.actions:
			w.enforce(act)
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return faults.New(faults.ExternalUnavailable, "telegram.run", "update stream closed")
			}
			w.handleUpdate(update)
		}
	}
}

// Shutdown detaches from the bus, stops polling and releases the lock.
func (w *Worker) Shutdown(ctx context.Context) error {
	for _, h := range w.subs {
		w.bus.Unsubscribe(h)
	}
	w.subs = nil

	if w.api != nil {
		w.api.StopReceivingUpdates()
	}
	w.releaseLease()
	w.log.Info().Msg("Telegram worker stopped")
	return nil
}

// Health fails when the instance lock is gone or enforcement is backed up.
func (w *Worker) Health() error {
	if lease := w.currentLease(); lease != nil {
		select {
		case <-lease.Lost():
			return faults.New(faults.Safety, "telegram.health", "bot instance lock lost")
		default:
		}
	}
	if len(w.actions) == cap(w.actions) {
		return faults.New(faults.Transient, "telegram.health", "enforcement queue is full")
	}
	return nil
}

func (w *Worker) setLease(lease *lockmgr.Lease) {
	w.mu.Lock()
	w.lease = lease
	w.mu.Unlock()
}

func (w *Worker) currentLease() *lockmgr.Lease {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lease
}

func (w *Worker) releaseLease() {
	w.mu.Lock()
	lease := w.lease
	w.lease = nil
	w.mu.Unlock()
	if lease == nil {
		return
	}
	if err := lease.Release(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to release bot instance lock")
	}
}

// handleUpdate publishes one chat message as posted content. Commands,
// bot traffic and chats outside the allow list are not moderation input.
func (w *Worker) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	if msg.From.IsBot || msg.IsCommand() {
		return
	}
	if !w.chatAllowed(msg.Chat.ID) {
		return
	}

	actor := actorName(msg.From)
	channel := channelName(msg.Chat)
	w.remember(actor, channel, msg.Chat.ID, msg.From.ID)

	content := loops.PostedContent{
		Actor:     actor,
		Channel:   channel,
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
	}
	out := bus.NewMessage(bus.TypeContentPosted, w.cfg.Actor).
		WithKey(actor).
		WithData(content)
	if _, err := w.bus.Publish(out); err != nil {
		w.log.Warn().Err(err).Str("actor", actor).Msg("Failed to publish posted content")
	}
}

func (w *Worker) chatAllowed(chatID int64) bool {
	if len(w.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range w.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// actorName is the stable moderation identity for a chat user. Usernames
// read better in the audit journal; users without one fall back to their
// numeric ID.
func actorName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return "user:" + strconv.FormatInt(u.ID, 10)
}

func channelName(c *tgbotapi.Chat) string {
	if c.UserName != "" {
		return "@" + c.UserName
	}
	if c.Title != "" {
		return c.Title
	}
	return "chat:" + strconv.FormatInt(c.ID, 10)
}
