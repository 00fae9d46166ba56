package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ajitpratap0/botfunk/internal/bus"
)

// tapTypes is everything a websocket tap may watch. Taps default to the
// full set; ?types=trade_closed,kill_switch_set narrows it.
var tapTypes = []bus.MessageType{
	bus.TypeBuySignal,
	bus.TypeSentimentChanged,
	bus.TypeNewLearning,
	bus.TypePriceAlert,
	bus.TypeTradeClosed,
	bus.TypeContentPosted,
	bus.TypeCommandTrip,
	bus.TypeKillSwitchSet,
	bus.TypeKillSwitchClear,
	bus.TypeComponentRestart,
	bus.TypeComponentFatal,
	bus.TypeModerationAction,
	bus.TypeBreakerForce,
	bus.TypeControlShutdown,
	bus.TypeControlProbe,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser origin policy is enforced by the cors middleware on the
	// REST surface; the tap is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// busEvent is the wire form of a tapped message.
type busEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Sender    string      `json:"sender"`
	Priority  string      `json:"priority"`
	Key       string      `json:"key,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data,omitempty"`
}

func eventFromMessage(msg *bus.Message) busEvent {
	return busEvent{
		ID:        msg.ID.String(),
		Type:      string(msg.Type),
		Sender:    msg.Sender,
		Priority:  msg.Priority.String(),
		Key:       msg.Key,
		CreatedAt: msg.CreatedAt,
		Data:      msg.Data,
	}
}

// parseTapTypes resolves the ?types= query against the known set.
func parseTapTypes(raw string) ([]bus.MessageType, bool) {
	if raw == "" {
		return tapTypes, true
	}
	known := make(map[bus.MessageType]struct{}, len(tapTypes))
	for _, t := range tapTypes {
		known[t] = struct{}{}
	}
	var out []bus.MessageType
	for _, part := range strings.Split(raw, ",") {
		t := bus.MessageType(strings.TrimSpace(part))
		if _, ok := known[t]; !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// handleEvents upgrades to a websocket and streams bus traffic. Each tap
// is its own bus subscriber, so a slow client only ever drops its own
// messages.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}
	types, ok := parseTapTypes(c.Query("types"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown message type in types"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan *bus.Message, 64)
	subscriber := "api-tap-" + uuid.NewString()[:8]
	handle, err := s.deps.Bus.Subscribe(bus.Subscription{
		Subscriber: subscriber,
		Types:      types,
		Channel:    events,
	})
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "subscription failed"})
		return
	}
	defer s.deps.Bus.Unsubscribe(handle)
	s.log.Debug().Str("subscriber", subscriber).Int("types", len(types)).Msg("Event tap attached")

	// Reads only surface disconnects; the tap accepts no commands.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-events:
			if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(eventFromMessage(msg)); err != nil {
				s.log.Debug().Err(err).Str("subscriber", subscriber).Msg("Event tap write failed, closing")
				return
			}
		}
	}
}
