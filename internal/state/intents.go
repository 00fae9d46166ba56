package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

const (
	intentsTmpName = "intents.tmp"
)

func intentsFileName(version int) string {
	return fmt.Sprintf("intents.v%d.json", version)
}

// PendingIntent is a trade intent persisted before the venue call it will
// trigger. It stays on disk until the open resolves, so a crash between the
// venue call and the position write can be reconciled on restart.
type PendingIntent struct {
	IntentID  string          `json:"intent_id"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the intent's TTL has elapsed at the given time.
// Intents without a TTL never expire.
func (p PendingIntent) Expired(now time.Time) bool {
	return p.TTL > 0 && now.Sub(p.CreatedAt) > p.TTL
}

type intentsDoc struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Intents   []PendingIntent `json:"intents"`
}

// PutPendingIntent records an intent under its ID, replacing any prior record,
// and persists the intent set atomically.
func (s *Store) PutPendingIntent(pi PendingIntent) error {
	if pi.IntentID == "" {
		return faults.New(faults.Contract, "state.put_intent", "intent_id is empty")
	}
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}

	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	if err := s.loadIntentsLocked(); err != nil {
		return err
	}

	before, had := s.intents[pi.IntentID]
	s.intents[pi.IntentID] = pi
	if err := s.persistIntentsLocked(); err != nil {
		if had {
			s.intents[pi.IntentID] = before
		} else {
			delete(s.intents, pi.IntentID)
		}
		return err
	}
	return nil
}

// DeletePendingIntent removes a resolved intent. Deleting an unknown intent
// is a no-op.
func (s *Store) DeletePendingIntent(intentID string) error {
	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	if err := s.loadIntentsLocked(); err != nil {
		return err
	}

	before, had := s.intents[intentID]
	if !had {
		return nil
	}
	delete(s.intents, intentID)
	if err := s.persistIntentsLocked(); err != nil {
		s.intents[intentID] = before
		return err
	}
	return nil
}

// PendingIntents returns the persisted unresolved intents, oldest first.
func (s *Store) PendingIntents() ([]PendingIntent, error) {
	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	if err := s.loadIntentsLocked(); err != nil {
		return nil, err
	}

	out := make([]PendingIntent, 0, len(s.intents))
	for _, pi := range s.intents {
		out = append(out, pi)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *Store) loadIntentsLocked() error {
	if s.intents != nil {
		return nil
	}

	s.intents = make(map[string]PendingIntent)
	path := filepath.Join(s.root, intentsFileName(schemaVersion))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.intents = nil
		return faults.Wrap(faults.Persistence, "state.load_intents", err)
	}

	var doc intentsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.intents = nil
		return corruptErr("state.load_intents", fmt.Errorf("intents: %v", err))
	}
	if doc.Version > schemaVersion {
		s.intents = nil
		return corruptErr("state.load_intents", fmt.Errorf("intents schema v%d newer than supported v%d", doc.Version, schemaVersion))
	}
	for _, pi := range doc.Intents {
		if pi.IntentID == "" {
			s.intents = nil
			return corruptErr("state.load_intents", fmt.Errorf("intent record missing intent_id"))
		}
		s.intents[pi.IntentID] = pi
	}
	return nil
}

func (s *Store) persistIntentsLocked() error {
	doc := intentsDoc{
		Version:   schemaVersion,
		UpdatedAt: time.Now().UTC(),
		Intents:   make([]PendingIntent, 0, len(s.intents)),
	}
	for _, pi := range s.intents {
		doc.Intents = append(doc.Intents, pi)
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Persistence, "state.put_intent", err)
	}
	if err := writeFileAtomic(s.root, intentsTmpName, intentsFileName(schemaVersion), data); err != nil {
		return faults.Wrap(faults.Persistence, "state.put_intent", err)
	}
	return nil
}
