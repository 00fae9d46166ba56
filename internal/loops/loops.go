// Package loops hosts the autonomous adaptation loops: content moderation,
// parameter self-tuning, and market regime adaptation. Each loop is a
// supervised worker that reacts to bus events and persists every decision
// through the state store, so a restarted loop resumes from durable state
// instead of its own memory.
package loops

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/learning"
)

// LearningSink is the slice of the learning store the loops record into.
// Experiment outcomes feed back as confidence via the Mark methods.
type LearningSink interface {
	Add(component string, typ learning.Type, content string, context map[string]string, confidence float64) (uuid.UUID, error)
	MarkSuccess(id uuid.UUID) error
	MarkFailure(id uuid.UUID) error
}

// PostedContent is the payload of a content_posted event: something an
// actor said in a channel the bot watches.
type PostedContent struct {
	Actor     string `json:"actor"`
	Channel   string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

func (c PostedContent) validate() error {
	if c.Actor == "" || c.Text == "" {
		return faults.New(faults.Contract, "loops.content", "actor and text are required")
	}
	return nil
}

// ContentFromMessage extracts posted content from a bus message. It accepts
// the struct published in-process or the map shape a JSON transport produces.
func ContentFromMessage(msg *bus.Message) (PostedContent, error) {
	switch data := msg.Data.(type) {
	case PostedContent:
		return data, data.validate()
	case *PostedContent:
		if data != nil {
			return *data, data.validate()
		}
	case map[string]interface{}:
		content := PostedContent{}
		content.Actor, _ = data["actor"].(string)
		content.Channel, _ = data["channel"].(string)
		content.MessageID, _ = data["message_id"].(string)
		content.Text, _ = data["text"].(string)
		return content, content.validate()
	}
	return PostedContent{}, faults.Newf(faults.Contract, "loops.content", "unsupported content payload %T", msg.Data)
}

// floatField coerces the numeric shapes that show up in bus payloads,
// which differ depending on whether the message crossed a JSON boundary.
func floatField(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	}
	return 0, false
}
