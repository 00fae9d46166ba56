package airouter

import (
	"context"
	"time"
)

// TaskType classifies AI work so providers can declare what they serve.
type TaskType string

const (
	// TaskSentiment scores text or market mood.
	TaskSentiment TaskType = "sentiment"

	// TaskGeneration produces post or reply content.
	TaskGeneration TaskType = "generation"

	// TaskAnalysis digests market context into a structured readout.
	TaskAnalysis TaskType = "analysis"

	// TaskChat answers conversational messages.
	TaskChat TaskType = "chat"

	// TaskModeration judges user content against community rules.
	TaskModeration TaskType = "moderation"
)

// Reply is the uniform answer shape every provider returns.
type Reply struct {
	Text         string  `json:"text"`
	ModelUsed    string  `json:"model_used"`
	LatencyMS    int64   `json:"latency_ms"`
	CostEstimate float64 `json:"cost_estimate"`
}

// Constraints narrow provider selection for one query.
type Constraints struct {
	// MaxCostPer1K excludes providers above this price. Zero means no cap.
	MaxCostPer1K float64

	// Timeout bounds each provider call. Zero uses the router default.
	Timeout time.Duration
}

// Provider is one backing AI service. Implementations classify their own
// errors at the boundary; raw errors are bucketed by message shape.
type Provider interface {
	Name() string
	SupportedTaskTypes() []TaskType
	CostPer1K() float64
	HealthCheck(ctx context.Context) error
	Call(ctx context.Context, prompt string, taskType TaskType) (*Reply, error)
}

func supportsTask(p Provider, taskType TaskType) bool {
	for _, t := range p.SupportedTaskTypes() {
		if t == taskType {
			return true
		}
	}
	return false
}
