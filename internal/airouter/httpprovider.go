package airouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

// chat-completions wire shapes shared by OpenAI-compatible gateways.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// HTTPProviderConfig declares one OpenAI-compatible provider. APIKey is
// opaque and never logged.
type HTTPProviderConfig struct {
	Name           string
	Endpoint       string
	HealthEndpoint string
	APIKey         string
	Model          string
	TaskTypes      []TaskType
	CostPer1K      float64
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// HTTPProvider adapts a chat-completions endpoint to the Provider
// contract, with a local rate limiter in front of it.
type HTTPProvider struct {
	cfg     HTTPProviderConfig
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHTTPProvider validates the config and applies defaults.
func NewHTTPProvider(cfg HTTPProviderConfig, log zerolog.Logger) (*HTTPProvider, error) {
	const op = "airouter.new_provider"
	if cfg.Name == "" {
		return nil, faults.New(faults.Contract, op, "provider name is required")
	}
	if cfg.Endpoint == "" {
		return nil, faults.Newf(faults.Contract, op, "provider %s: endpoint is required", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, faults.Newf(faults.Contract, op, "provider %s: model is required", cfg.Name)
	}
	if len(cfg.TaskTypes) == 0 {
		return nil, faults.Newf(faults.Contract, op, "provider %s: at least one task type is required", cfg.Name)
	}

	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 2
	}

	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		log:     log.With().Str("component", "airouter").Str("provider", cfg.Name).Logger(),
	}, nil
}

// Name returns the provider's routing name.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// SupportedTaskTypes returns the tasks this provider serves.
func (p *HTTPProvider) SupportedTaskTypes() []TaskType { return p.cfg.TaskTypes }

// CostPer1K returns the declared price per thousand tokens in USD.
func (p *HTTPProvider) CostPer1K() float64 { return p.cfg.CostPer1K }

// HealthCheck probes the configured health endpoint. Providers without
// one rely on breaker feedback alone.
func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	const op = "airouter.health"
	if p.cfg.HealthEndpoint == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.HealthEndpoint, nil)
	if err != nil {
		return faults.Wrap(faults.ExternalUnavailable, op, err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.ExternalUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return faults.Newf(faults.ExternalUnavailable, op, "%s health returned status %d", p.cfg.Name, resp.StatusCode)
	}
	return nil
}

// Call sends the prompt as a single-user-message completion and maps the
// HTTP outcome onto the fault taxonomy.
func (p *HTTPProvider) Call(ctx context.Context, prompt string, taskType TaskType) (*Reply, error) {
	const op = "airouter.call"

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, faults.Wrap(faults.Transient, op, err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, faults.Wrap(faults.Terminal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Terminal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	p.log.Debug().
		Str("endpoint", p.cfg.Endpoint).
		Str("model", p.cfg.Model).
		Str("task_type", string(taskType)).
		Msg("Sending AI request")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.ExternalUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	duration := time.Since(start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.ExternalUnavailable, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(op, resp, data)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, faults.Wrap(faults.ExternalUnavailable, op, err)
	}
	if len(cr.Choices) == 0 {
		return nil, faults.Newf(faults.ExternalUnavailable, op, "%s returned no choices", p.cfg.Name)
	}

	model := cr.Model
	if model == "" {
		model = p.cfg.Model
	}

	p.log.Debug().
		Str("model", model).
		Int("prompt_tokens", cr.Usage.PromptTokens).
		Int("completion_tokens", cr.Usage.CompletionTokens).
		Dur("duration", duration).
		Msg("AI request completed")

	return &Reply{
		Text:         cr.Choices[0].Message.Content,
		ModelUsed:    model,
		LatencyMS:    duration.Milliseconds(),
		CostEstimate: float64(cr.Usage.TotalTokens) / 1000 * p.cfg.CostPer1K,
	}, nil
}

// statusError buckets a non-200 response: 429 is transient and honors
// Retry-After, 5xx and auth failures feed failover, the rest is terminal.
func (p *HTTPProvider) statusError(op string, resp *http.Response, data []byte) error {
	msg := string(data)
	var apiErr errorResponse
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := faults.Newf(faults.Transient, op, "%s rate limited: %s", p.cfg.Name, msg)
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
			return faults.TransientWithRetry(op, time.Now().Add(time.Duration(secs)*time.Second), err)
		}
		return err
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// Keys and availability are per provider; let the router move on.
		return faults.Newf(faults.ExternalUnavailable, op, "%s returned status %d: %s", p.cfg.Name, resp.StatusCode, msg)
	default:
		return faults.Newf(faults.Terminal, op, "%s returned status %d: %s", p.cfg.Name, resp.StatusCode, msg)
	}
}
