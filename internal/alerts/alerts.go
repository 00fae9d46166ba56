// Package alerts fans operator notifications out to pluggable transports.
// Alerts are fire-and-forget from the caller's point of view: a failing
// transport is logged and never blocks the others.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers an alert over one transport.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans each alert out to every attached transport.
type Manager struct {
	mu       sync.RWMutex
	alerters []Alerter
}

// NewManager builds a manager over the given transports.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Attach adds a transport at runtime. The telegram transport attaches
// only after its token resolves, well after the manager is handed out.
func (m *Manager) Attach(a Alerter) {
	m.mu.Lock()
	m.alerters = append(m.alerters, a)
	m.mu.Unlock()
}

// Send delivers the alert to every transport and joins their failures.
// A zero timestamp is stamped here so transports can rely on it.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	var errs []error
	for _, a := range alerters {
		if err := a.Send(ctx, alert); err != nil {
			log.Error().Err(err).
				Str("alert_title", alert.Title).
				Msg("Alert transport failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendCritical sends a critical alert.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Metadata: metadata})
}

// SendWarning sends a warning alert.
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Metadata: metadata})
}

// SendInfo sends an informational alert.
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Metadata: metadata})
}

// KillSwitchChanged notifies operators that trading was halted or resumed.
func (m *Manager) KillSwitchChanged(ctx context.Context, actor string, engaged bool, reason string) error {
	if engaged {
		return m.SendCritical(ctx, "Kill switch engaged",
			fmt.Sprintf("Trading halted by %s: %s", actor, reason),
			map[string]interface{}{"actor": actor, "reason": reason})
	}
	return m.SendWarning(ctx, "Kill switch cleared",
		fmt.Sprintf("Trading resumed by %s", actor),
		map[string]interface{}{"actor": actor})
}

// BreakerForced notifies operators of a manual circuit breaker override.
func (m *Manager) BreakerForced(ctx context.Context, name, targetState, actor string) error {
	return m.SendWarning(ctx, "Circuit breaker forced",
		fmt.Sprintf("Breaker %s forced %s by %s", name, targetState, actor),
		map[string]interface{}{"breaker": name, "state": targetState, "actor": actor})
}

// InstanceLockLost notifies operators that this instance lost its
// exclusivity lock and is shutting down.
func (m *Manager) InstanceLockLost(ctx context.Context, lockPath string, err error) error {
	meta := map[string]interface{}{"lock_path": lockPath}
	if err != nil {
		meta["error"] = err.Error()
	}
	return m.SendCritical(ctx, "Instance lock lost",
		fmt.Sprintf("Lost exclusive lock at %s, shutting down", lockPath), meta)
}

// LogAlerter writes alerts to the process log at a level matching their
// severity.
type LogAlerter struct{}

// NewLogAlerter builds a log-backed transport.
func NewLogAlerter() *LogAlerter { return &LogAlerter{} }

func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	}
	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)
	return nil
}

// ConsoleAlerter prints alerts to a writer for operators watching the
// terminal. Metadata keys are sorted so output is stable.
type ConsoleAlerter struct {
	w io.Writer
}

// NewConsoleAlerter builds a stdout transport.
func NewConsoleAlerter() *ConsoleAlerter { return &ConsoleAlerter{w: os.Stdout} }

func (c *ConsoleAlerter) Send(ctx context.Context, alert Alert) error {
	if _, err := fmt.Fprintf(c.w, "[%s] %s  %s: %s\n",
		alert.Severity, alert.Timestamp.Format(time.RFC3339), alert.Title, alert.Message); err != nil {
		return err
	}
	if len(alert.Metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(alert.Metadata))
	for key := range alert.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := fmt.Fprintf(c.w, "    %s=%v\n", key, alert.Metadata[key]); err != nil {
			return err
		}
	}
	return nil
}
