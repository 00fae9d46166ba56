package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

// ParamKind tags the scalar type of a tunable parameter.
type ParamKind string

const (
	ParamNumber ParamKind = "number"
	ParamBool   ParamKind = "boolean"
	ParamString ParamKind = "string"
)

// Well-known parameter keys.
const (
	ParamKillSwitch       = "kill_switch"
	ParamKillSwitchReason = "kill_switch_reason"
)

// Trading tunables written by the adaptation loops and read by the trade
// engine on each decision. Absent keys fall back to static configuration.
const (
	ParamSizeMultiplier = "trade.size_multiplier"
	ParamStopPct        = "trade.stop_pct"
	ParamTakeProfitPct  = "trade.take_profit_pct"
	ParamMaxPositions   = "trade.max_positions"
	ParamBreakEvenPct   = "trade.break_even_pct"
	ParamTrailStartPct  = "trade.trail_start_pct"
	ParamTrailPct       = "trade.trail_pct"
	ParamRegime         = "trade.regime"
)

// Param is a tagged scalar value. Only the field matching Kind is
// meaningful.
type Param struct {
	Kind   ParamKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Str    string    `json:"string,omitempty"`
}

// NumberParam wraps a float64 parameter value.
func NumberParam(v float64) Param { return Param{Kind: ParamNumber, Number: v} }

// BoolParam wraps a boolean parameter value.
func BoolParam(v bool) Param { return Param{Kind: ParamBool, Bool: v} }

// StringParam wraps a string parameter value.
func StringParam(v string) Param { return Param{Kind: ParamString, Str: v} }

// Float returns the numeric value and whether the param is a number.
func (p Param) Float() (float64, bool) { return p.Number, p.Kind == ParamNumber }

// Boolean returns the boolean value and whether the param is a boolean.
func (p Param) Boolean() (bool, bool) { return p.Bool, p.Kind == ParamBool }

// Text returns the string value and whether the param is a string.
func (p Param) Text() (string, bool) { return p.Str, p.Kind == ParamString }

type paramsDoc struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Params    map[string]Param `json:"params"`
}

// GetParam returns the parameter stored under key.
func (s *Store) GetParam(key string) (Param, bool) {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	p, ok := s.params[key]
	return p, ok
}

// SetParam stores a parameter, persists the params document atomically, and
// audits the change. This is the only mutation path for tunables.
func (s *Store) SetParam(actor, key string, value Param) error {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()

	before, had := s.params[key]
	s.params[key] = value

	if err := s.persistParamsLocked(); err != nil {
		if had {
			s.params[key] = before
		} else {
			delete(s.params, key)
		}
		return err
	}

	entry := AuditEntry{
		Actor:  actor,
		Action: ActionParamSet,
		After:  map[string]interface{}{"key": key, "value": value},
	}
	if had {
		entry.Before = map[string]interface{}{"key": key, "value": before}
	}
	if _, err := s.AppendAudit(entry); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to audit parameter change")
	}
	return nil
}

// SetKillSwitch flips the persisted kill switch. Setting it records the
// reason; clearing it clears the reason. The change is a single audit entry.
func (s *Store) SetKillSwitch(actor string, on bool, reason string) error {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()

	beforeOn, _ := s.params[ParamKillSwitch].Boolean()
	beforeReason, _ := s.params[ParamKillSwitchReason].Text()

	s.params[ParamKillSwitch] = BoolParam(on)
	if on {
		s.params[ParamKillSwitchReason] = StringParam(reason)
	} else {
		s.params[ParamKillSwitchReason] = StringParam("")
	}

	if err := s.persistParamsLocked(); err != nil {
		s.params[ParamKillSwitch] = BoolParam(beforeOn)
		s.params[ParamKillSwitchReason] = StringParam(beforeReason)
		return err
	}

	entry := AuditEntry{
		Actor:  actor,
		Action: ActionKillSwitch,
		Before: map[string]interface{}{"engaged": beforeOn, "reason": beforeReason},
		After:  map[string]interface{}{"engaged": on, "reason": reason},
		Reason: reason,
	}
	if _, err := s.AppendAudit(entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit kill switch change")
	}

	s.log.Warn().Bool("engaged", on).Str("reason", reason).Msg("Kill switch changed")
	return nil
}

// KillSwitch reports whether the kill switch is engaged and why.
func (s *Store) KillSwitch() (bool, string) {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	on, _ := s.params[ParamKillSwitch].Boolean()
	reason, _ := s.params[ParamKillSwitchReason].Text()
	return on, reason
}

// Params returns a copy of all stored parameters.
func (s *Store) Params() map[string]Param {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	out := make(map[string]Param, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *Store) persistParamsLocked() error {
	doc := paramsDoc{
		Version:   schemaVersion,
		UpdatedAt: time.Now().UTC(),
		Params:    s.params,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Persistence, "state.set_param", err)
	}
	if err := writeFileAtomic(s.root, paramsTmpName, paramsFileName, data); err != nil {
		return faults.Wrap(faults.Persistence, "state.set_param", err)
	}
	return nil
}

func (s *Store) loadParams() error {
	path := filepath.Join(s.root, paramsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return faults.Wrap(faults.Persistence, "state.open", err)
	}

	var doc paramsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return corruptErr("state.open", fmt.Errorf("params: %v", err))
	}
	if doc.Version > schemaVersion {
		return corruptErr("state.open", errors.New("params schema newer than supported"))
	}
	if doc.Params != nil {
		s.params = doc.Params
	}
	return nil
}
