package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	TypeBuySignal        MessageType = "buy_signal"
	TypeSentimentChanged MessageType = "sentiment_changed"
	TypeNewLearning      MessageType = "new_learning"
	TypePriceAlert       MessageType = "price_alert"
	TypeTradeClosed      MessageType = "trade_closed"
	TypeContentPosted    MessageType = "content_posted"
	TypeCommandTrip      MessageType = "command_trip"
	TypeKillSwitchSet    MessageType = "kill_switch_set"
	TypeKillSwitchClear  MessageType = "kill_switch_clear"
	TypeComponentRestart MessageType = "component_restart"
	TypeComponentFatal   MessageType = "component_fatal"
	TypeModerationAction MessageType = "moderation_action"
	TypeBreakerForce     MessageType = "breaker_force"
	TypeControlShutdown  MessageType = "control_shutdown"
	TypeControlProbe     MessageType = "control_probe"
)

// Priority orders delivery within a subscriber queue. Higher is more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Message is a bus event. Builder methods may be chained before publishing;
// once published a message must not be mutated.
type Message struct {
	ID        uuid.UUID     `json:"id"`
	Type      MessageType   `json:"type"`
	Sender    string        `json:"sender"`
	Priority  Priority      `json:"priority"`
	Key       string        `json:"key,omitempty"` // coalescing/routing key (e.g. symbol)
	Data      interface{}   `json:"data,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// NewMessage creates a message with a fresh ID and Normal priority.
func NewMessage(msgType MessageType, sender string) *Message {
	return &Message{
		ID:        uuid.New(),
		Type:      msgType,
		Sender:    sender,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// WithPriority sets the message priority.
func (m *Message) WithPriority(priority Priority) *Message {
	m.Priority = priority
	return m
}

// WithKey sets the coalescing/routing key.
func (m *Message) WithKey(key string) *Message {
	m.Key = key
	return m
}

// WithData attaches the payload.
func (m *Message) WithData(data interface{}) *Message {
	m.Data = data
	return m
}

// WithTTL sets the message time-to-live.
func (m *Message) WithTTL(ttl time.Duration) *Message {
	m.TTL = ttl
	return m
}

// Expired reports whether the TTL has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.CreatedAt) > m.TTL
}

// ControlShutdownMessage builds the critical shutdown notice.
func ControlShutdownMessage(sender string) *Message {
	return NewMessage(TypeControlShutdown, sender).WithPriority(PriorityCritical)
}

// ProbeMessage builds a control probe that resumes a paused subscriber.
func ProbeMessage(sender, subscriber string) *Message {
	return NewMessage(TypeControlProbe, sender).WithPriority(PriorityCritical).WithKey(subscriber)
}
