// Package bus is the in-process typed pub/sub fabric connecting the
// supervisor, trade engine, loops and chat workers. Components hold no
// references to each other, only to the bus.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// seenLimit bounds the per-subscriber duplicate-detection window.
const seenLimit = 4096

// Handler consumes a delivered message. A non-nil error counts against the
// subscriber's consecutive-failure streak.
type Handler func(ctx context.Context, msg *Message) error

// Subscription describes what a subscriber wants delivered. Exactly one of
// Handler or Channel must be set.
type Subscription struct {
	Subscriber string
	Types      []MessageType
	Filter     func(*Message) bool
	Handler    Handler
	Channel    chan<- *Message
}

// Handle identifies a registered subscription for Unsubscribe.
type Handle struct {
	subscriber string
	key        string
}

// Subscriber returns the owning subscriber name.
func (h Handle) Subscriber() string { return h.subscriber }

// PublishOutcome reports the fan-out result of one publish call.
type PublishOutcome struct {
	Delivered int
	Dropped   int
}

// Config tunes queue sizes and failure isolation.
type Config struct {
	QueueSize              int
	MaxConsecutiveFailures int
	FailureWindow          time.Duration
	DrainTimeout           time.Duration
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:              256,
		MaxConsecutiveFailures: 5,
		FailureWindow:          time.Minute,
		DrainTimeout:           5 * time.Second,
	}
}

type subEntry struct {
	key     string
	types   map[MessageType]struct{}
	filter  func(*Message) bool
	handler Handler
	channel chan<- *Message
}

type queuedEntry struct {
	msg   *Message
	sub   *subEntry
	seq   uint64
	index int
}

// entryHeap orders by priority (most urgent first), then creation time,
// then arrival order.
type entryHeap []*queuedEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	if !h[i].msg.CreatedAt.Equal(h[j].msg.CreatedAt) {
		return h[i].msg.CreatedAt.Before(h[j].msg.CreatedAt)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	qe := x.(*queuedEntry)
	qe.index = len(*h)
	*h = append(*h, qe)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qe := old[n-1]
	old[n-1] = nil
	qe.index = -1
	*h = old[:n-1]
	return qe
}

type subscriberState struct {
	name string

	mu   sync.Mutex
	cond *sync.Cond

	entries   map[string]*subEntry
	queue     entryHeap
	coalesced map[string]*queuedEntry
	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID
	seq       uint64

	paused       bool
	fails        int
	failStreakAt time.Time
	stopped      bool
}

func (s *subscriberState) remember(id uuid.UUID) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// lowestQueued returns the least urgent queued entry, newest first among
// equals, or nil when the queue is empty.
func (s *subscriberState) lowestQueued() *queuedEntry {
	var victim *queuedEntry
	for _, qe := range s.queue {
		if victim == nil ||
			qe.msg.Priority < victim.msg.Priority ||
			(qe.msg.Priority == victim.msg.Priority && qe.seq > victim.seq) {
			victim = qe
		}
	}
	return victim
}

// Bus routes typed messages to per-subscriber bounded priority queues.
type Bus struct {
	cfg Config
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriberState
	draining    bool
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event bus. Zero config fields fall back to defaults.
func New(cfg Config, log zerolog.Logger) *Bus {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:         cfg,
		log:         log.With().Str("component", "bus").Logger(),
		subscribers: make(map[string]*subscriberState),
		ctx:         ctx,
		cancel:      cancel,
	}
	b.log.Info().
		Int("queue_size", cfg.QueueSize).
		Int("max_consecutive_failures", cfg.MaxConsecutiveFailures).
		Msg("Event bus initialized")
	return b
}

func subscriptionKey(subscriber string, types []MessageType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	sort.Strings(names)
	return subscriber + "|" + strings.Join(names, ",")
}

// Subscribe registers a subscription and returns its handle. Subscribing the
// same subscriber to the same type set again is idempotent.
func (b *Bus) Subscribe(sub Subscription) (Handle, error) {
	if sub.Subscriber == "" {
		return Handle{}, faults.New(faults.Contract, "bus.subscribe", "subscriber name is required")
	}
	if len(sub.Types) == 0 {
		return Handle{}, faults.New(faults.Contract, "bus.subscribe", "at least one message type is required")
	}
	if sub.Handler == nil && sub.Channel == nil {
		return Handle{}, faults.New(faults.Contract, "bus.subscribe", "a handler or channel is required")
	}

	key := subscriptionKey(sub.Subscriber, sub.Types)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return Handle{}, faults.New(faults.Terminal, "bus.subscribe", "bus is stopped")
	}
	s, ok := b.subscribers[sub.Subscriber]
	if !ok {
		s = &subscriberState{
			name:      sub.Subscriber,
			entries:   make(map[string]*subEntry),
			coalesced: make(map[string]*queuedEntry),
			seen:      make(map[uuid.UUID]struct{}),
		}
		s.cond = sync.NewCond(&s.mu)
		b.subscribers[sub.Subscriber] = s
		b.wg.Add(1)
		go b.dispatch(s)
	}
	b.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.entries[key]; !exists {
		types := make(map[MessageType]struct{}, len(sub.Types))
		for _, t := range sub.Types {
			types[t] = struct{}{}
		}
		s.entries[key] = &subEntry{
			key:     key,
			types:   types,
			filter:  sub.Filter,
			handler: sub.Handler,
			channel: sub.Channel,
		}
		b.log.Info().
			Str("subscriber", sub.Subscriber).
			Int("types", len(sub.Types)).
			Msg("Subscribed")
	}
	s.mu.Unlock()

	return Handle{subscriber: sub.Subscriber, key: key}, nil
}

// Unsubscribe removes a subscription. Messages already queued still deliver.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.RLock()
	s := b.subscribers[h.subscriber]
	b.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	_, existed := s.entries[h.key]
	delete(s.entries, h.key)
	s.mu.Unlock()
	if existed {
		b.log.Info().Str("subscriber", h.subscriber).Msg("Unsubscribed")
	}
}

// Publish fans a message out to every matching subscriber queue. It returns
// once the message is enqueued or dropped per policy everywhere; it never
// waits for handlers except the Block policy on Critical messages against a
// full queue.
func (b *Bus) Publish(msg *Message) (PublishOutcome, error) {
	if msg == nil {
		return PublishOutcome{}, faults.New(faults.Contract, "bus.publish", "nil message")
	}

	b.mu.RLock()
	if b.draining || b.stopped {
		b.mu.RUnlock()
		return PublishOutcome{}, faults.New(faults.Terminal, "bus.publish", "bus is draining")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	subs := make([]*subscriberState, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	metrics.RecordPublish(string(msg.Type), msg.Priority.String())

	// Control probes resume paused subscribers instead of fanning out.
	if msg.Type == TypeControlProbe {
		if b.Probe(msg.Key) {
			return PublishOutcome{Delivered: 1}, nil
		}
		return PublishOutcome{}, nil
	}

	var out PublishOutcome
	for _, s := range subs {
		delivered, dropped := b.enqueue(s, msg)
		out.Delivered += delivered
		out.Dropped += dropped
	}

	// A published shutdown notice drains and stops the bus.
	if msg.Type == TypeControlShutdown {
		b.mu.Lock()
		b.draining = true
		b.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
			defer cancel()
			_ = b.Shutdown(ctx)
		}()
	}

	return out, nil
}

func coalesceKey(msg *Message) string {
	if msg.Type == TypeSentimentChanged && msg.Key != "" {
		return string(msg.Type) + "|" + msg.Key
	}
	return ""
}

// enqueue applies match, dedup, coalescing and queue-full policy for one
// subscriber. Returns (delivered, dropped) increments for the outcome.
func (b *Bus) enqueue(s *subscriberState, msg *Message) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, 0
	}

	var matched *subEntry
	for _, entry := range s.entries {
		if _, ok := entry.types[msg.Type]; !ok {
			continue
		}
		if entry.filter != nil && !entry.filter(msg) {
			continue
		}
		matched = entry
		break
	}
	if matched == nil {
		return 0, 0
	}

	if s.paused {
		metrics.RecordDrop(s.name, metrics.DropReasonPaused)
		return 0, 1
	}
	if _, dup := s.seen[msg.ID]; dup {
		metrics.RecordDrop(s.name, metrics.DropReasonDuplicate)
		return 0, 1
	}

	// Keep-newest per key: replace a queued message in place.
	if ck := coalesceKey(msg); ck != "" {
		if qe, ok := s.coalesced[ck]; ok && qe.index >= 0 {
			qe.msg = msg
			qe.sub = matched
			heap.Fix(&s.queue, qe.index)
			s.remember(msg.ID)
			metrics.RecordDrop(s.name, metrics.DropReasonCoalesced)
			return 1, 1
		}
	}

	dropped := 0
	for len(s.queue) >= b.cfg.QueueSize {
		if msg.Priority >= PriorityCritical {
			s.cond.Wait()
			if s.stopped {
				metrics.RecordDrop(s.name, metrics.DropReasonShutdown)
				return 0, dropped + 1
			}
			continue
		}
		victim := s.lowestQueued()
		if victim == nil || victim.msg.Priority >= msg.Priority {
			metrics.RecordDrop(s.name, metrics.DropReasonQueueFull)
			return 0, dropped + 1
		}
		heap.Remove(&s.queue, victim.index)
		if vck := coalesceKey(victim.msg); vck != "" && s.coalesced[vck] == victim {
			delete(s.coalesced, vck)
		}
		metrics.RecordDrop(s.name, metrics.DropReasonQueueFull)
		dropped++
	}

	s.seq++
	qe := &queuedEntry{msg: msg, sub: matched, seq: s.seq}
	heap.Push(&s.queue, qe)
	if ck := coalesceKey(msg); ck != "" {
		s.coalesced[ck] = qe
	}
	s.remember(msg.ID)
	metrics.RecordDelivery(s.name)
	metrics.SetQueueDepth(s.name, len(s.queue))
	s.cond.Broadcast()
	return 1, dropped
}

// dispatch is the per-subscriber delivery loop.
func (b *Bus) dispatch(s *subscriberState) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			for range s.queue {
				metrics.RecordDrop(s.name, metrics.DropReasonShutdown)
			}
			s.queue = nil
			s.mu.Unlock()
			return
		}
		qe := heap.Pop(&s.queue).(*queuedEntry)
		if ck := coalesceKey(qe.msg); ck != "" && s.coalesced[ck] == qe {
			delete(s.coalesced, ck)
		}
		paused := s.paused
		metrics.SetQueueDepth(s.name, len(s.queue))
		s.cond.Broadcast()
		s.mu.Unlock()

		if paused {
			metrics.RecordDrop(s.name, metrics.DropReasonPaused)
			continue
		}
		if qe.msg.Expired(time.Now()) {
			b.log.Debug().
				Str("message_id", qe.msg.ID.String()).
				Str("type", string(qe.msg.Type)).
				Msg("Message expired, skipping")
			metrics.RecordDrop(s.name, metrics.DropReasonTTL)
			continue
		}
		b.deliver(s, qe)
	}
}

// deliver invokes the consumer with panic isolation and failure accounting.
func (b *Bus) deliver(s *subscriberState, qe *queuedEntry) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		if qe.sub.handler != nil {
			err = qe.sub.handler(b.ctx, qe.msg)
		} else {
			select {
			case qe.sub.channel <- qe.msg:
			case <-b.ctx.Done():
				err = b.ctx.Err()
			}
		}
	}()

	if err == nil {
		s.mu.Lock()
		s.fails = 0
		s.mu.Unlock()
		return
	}

	metrics.RecordSubscriberFailure(s.name)
	b.log.Warn().
		Err(err).
		Str("subscriber", s.name).
		Str("message_id", qe.msg.ID.String()).
		Str("type", string(qe.msg.Type)).
		Msg("Subscriber handler failed")

	s.mu.Lock()
	now := time.Now()
	if s.fails == 0 || now.Sub(s.failStreakAt) > b.cfg.FailureWindow {
		s.fails = 1
		s.failStreakAt = now
	} else {
		s.fails++
	}
	if s.fails >= b.cfg.MaxConsecutiveFailures && !s.paused {
		s.paused = true
		metrics.SetSubscriberPaused(s.name, true)
		b.log.Error().
			Str("subscriber", s.name).
			Int("consecutive_failures", s.fails).
			Msg("Subscriber paused after repeated handler failures")
	}
	s.mu.Unlock()
}

// Probe resumes a paused subscriber. The next failure re-pauses it
// immediately. Returns true when a paused subscriber was resumed.
func (b *Bus) Probe(subscriber string) bool {
	b.mu.RLock()
	s := b.subscribers[subscriber]
	b.mu.RUnlock()
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return false
	}
	s.paused = false
	s.fails = b.cfg.MaxConsecutiveFailures - 1
	s.failStreakAt = time.Now()
	metrics.SetSubscriberPaused(s.name, false)
	b.log.Info().Str("subscriber", subscriber).Msg("Subscriber resumed by control probe")
	return true
}

// Paused reports whether a subscriber is currently paused.
func (b *Bus) Paused(subscriber string) bool {
	b.mu.RLock()
	s := b.subscribers[subscriber]
	b.mu.RUnlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SubscriberInfo is a point-in-time view of one subscriber for status APIs.
type SubscriberInfo struct {
	Name       string `json:"name"`
	QueueDepth int    `json:"queue_depth"`
	Paused     bool   `json:"paused"`
	Failures   int    `json:"consecutive_failures"`
}

// Subscribers lists subscriber states sorted by name.
func (b *Bus) Subscribers() []SubscriberInfo {
	b.mu.RLock()
	states := make([]*subscriberState, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		states = append(states, s)
	}
	b.mu.RUnlock()

	infos := make([]SubscriberInfo, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		infos = append(infos, SubscriberInfo{
			Name:       s.name,
			QueueDepth: len(s.queue),
			Paused:     s.paused,
			Failures:   s.fails,
		})
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Shutdown broadcasts a shutdown notice, drains High and Critical messages
// within the context deadline, then stops delivery and refuses publications.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	alreadyDraining := b.draining
	b.draining = true
	subs := make([]*subscriberState, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if !alreadyDraining {
		notice := ControlShutdownMessage("bus")
		for _, s := range subs {
			b.enqueue(s, notice)
		}
	}

	var drainErr error
	for !b.highPriorityDrained(subs) {
		select {
		case <-ctx.Done():
			drainErr = ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if drainErr != nil {
			break
		}
	}

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	for _, s := range subs {
		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	b.cancel()
	b.wg.Wait()

	if drainErr != nil {
		b.log.Warn().Err(drainErr).Msg("Event bus stopped before draining completed")
		return faults.Wrap(faults.Transient, "bus.shutdown", drainErr)
	}
	b.log.Info().Msg("Event bus stopped")
	return nil
}

func (b *Bus) highPriorityDrained(subs []*subscriberState) bool {
	for _, s := range subs {
		s.mu.Lock()
		pending := false
		for _, qe := range s.queue {
			if qe.msg.Priority >= PriorityHigh {
				pending = true
				break
			}
		}
		s.mu.Unlock()
		if pending {
			return false
		}
	}
	return true
}
