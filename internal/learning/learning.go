package learning

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// Type classifies what kind of knowledge a learning captures.
type Type string

const (
	// SuccessPattern records a behavior that worked and should be repeated.
	SuccessPattern Type = "success_pattern"

	// FailurePattern records a behavior that backfired and should be avoided.
	FailurePattern Type = "failure_pattern"

	// Optimization records a parameter change that improved an outcome metric.
	Optimization Type = "optimization"

	// ContextAdaptation records how behavior should shift under a market or
	// social context (regime, audience mood, time of day).
	ContextAdaptation Type = "context_adaptation"
)

func validType(t Type) bool {
	switch t {
	case SuccessPattern, FailurePattern, Optimization, ContextAdaptation:
		return true
	}
	return false
}

// Learning is one unit of knowledge produced by a component. Entries are
// append-only; feedback updates counts and confidence but never removes.
type Learning struct {
	ID        uuid.UUID         `json:"id"`
	Component string            `json:"component"`
	Type      Type              `json:"type"`
	Content   string            `json:"content"`
	Context   map[string]string `json:"context,omitempty"`

	Confidence float64 `json:"confidence"`

	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	UseCount     int       `json:"use_count"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
}

// SuccessRate returns the fraction of feedback that was positive.
func (l *Learning) SuccessRate() float64 {
	total := l.SuccessCount + l.FailureCount
	if total == 0 {
		return 0.0
	}
	return float64(l.SuccessCount) / float64(total)
}

func (l *Learning) clone() *Learning {
	c := *l
	if l.Context != nil {
		c.Context = make(map[string]string, len(l.Context))
		for k, v := range l.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Query narrows and orders a Search. Zero-value fields are ignored except
// MinConfidence: zero means the store's default floor, negative disables
// the floor so decayed entries are returned too.
type Query struct {
	Text          string
	Component     string
	Type          Type
	MinConfidence float64
	Limit         int
}

// Stats summarizes the store for status surfaces.
type Stats struct {
	ActiveLearnings        int `json:"active_learnings"`
	SuccessfulApplications int `json:"successful_applications"`
	FailedApplications     int `json:"failed_applications"`
}

// Config tunes feedback smoothing and read-time filtering.
type Config struct {
	// Alpha weights prior confidence against the observed success rate on
	// feedback. Clamped to [0.5, 0.9]; zero selects the default.
	Alpha float64

	// MinConfidence is the default search floor. Entries below it are kept
	// on disk but not returned unless a query asks for them.
	MinConfidence float64

	// DefaultLimit caps Search results when the query does not.
	DefaultLimit int
}

const (
	defaultAlpha         = 0.7
	defaultMinConfidence = 0.1
	defaultSearchLimit   = 20
)

func (c Config) normalized() Config {
	if c.Alpha == 0 {
		c.Alpha = defaultAlpha
	}
	if c.Alpha < 0.5 {
		c.Alpha = 0.5
	}
	if c.Alpha > 0.9 {
		c.Alpha = 0.9
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = defaultSearchLimit
	}
	return c
}

// Publisher announces new learnings to interested components.
type Publisher interface {
	Publish(msg *bus.Message) (bus.PublishOutcome, error)
}

// Store is the durable learning repository. Every mutation appends the full
// updated record as one JSON line; startup replay keeps the last line per
// ID, so replaying the same journal twice lands in the same state.
type Store struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	index map[uuid.UUID]*Learning
	cfg   Config
	pub   Publisher
	log   zerolog.Logger
}

// Open replays the journal at path and readies the store for appends.
// pub may be nil; new learnings are then not announced on the bus.
func Open(path string, cfg Config, pub Publisher, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:  path,
		index: make(map[uuid.UUID]*Learning),
		cfg:   cfg.normalized(),
		pub:   pub,
		log:   log.With().Str("component", "learning").Logger(),
	}

	skipped, err := s.replay()
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.log.Warn().Int("lines", skipped).Msg("Skipped unparseable learning journal lines")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, faults.Wrap(faults.Persistence, "learning.open", err)
	}
	s.file = f

	metrics.SetActiveLearnings(s.activeCountLocked())
	s.log.Info().
		Int("learnings", len(s.index)).
		Float64("alpha", s.cfg.Alpha).
		Msg("Learning store opened")
	return s, nil
}

// replay rebuilds the in-memory index from the journal. Unparseable lines,
// including a torn final line from a crashed append, are counted and
// skipped so a restart never blocks on journal damage.
func (s *Store) replay() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, faults.Wrap(faults.Persistence, "learning.replay", err)
	}
	defer func() { _ = f.Close() }()

	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l Learning
		if err := json.Unmarshal(line, &l); err != nil || l.ID == uuid.Nil {
			skipped++
			continue
		}
		l.Confidence = clamp01(l.Confidence)
		s.index[l.ID] = &l
	}
	if err := scanner.Err(); err != nil {
		return skipped, faults.Wrap(faults.Persistence, "learning.replay", err)
	}
	return skipped, nil
}

// Close releases the append handle. The index stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Add appends a new learning and announces it. Confidence is clamped to
// [0, 1]; the entry is durable before the announcement goes out.
func (s *Store) Add(component string, typ Type, content string, context map[string]string, confidence float64) (uuid.UUID, error) {
	if component == "" {
		return uuid.Nil, faults.New(faults.Contract, "learning.add", "component is required")
	}
	if content == "" {
		return uuid.Nil, faults.New(faults.Contract, "learning.add", "content is required")
	}
	if !validType(typ) {
		return uuid.Nil, faults.Newf(faults.Contract, "learning.add", "unknown learning type %q", typ)
	}

	now := time.Now().UTC()
	l := &Learning{
		ID:         uuid.New(),
		Component:  component,
		Type:       typ,
		Content:    content,
		Context:    context,
		Confidence: clamp01(confidence),
		CreatedAt:  now,
		LastUsedAt: now,
	}

	s.mu.Lock()
	if err := s.appendLocked(l); err != nil {
		s.mu.Unlock()
		return uuid.Nil, err
	}
	s.index[l.ID] = l
	metrics.SetActiveLearnings(s.activeCountLocked())
	snapshot := l.clone()
	s.mu.Unlock()

	s.log.Debug().
		Str("id", l.ID.String()).
		Str("type", string(typ)).
		Str("learning_component", component).
		Float64("confidence", snapshot.Confidence).
		Msg("Stored learning")

	s.announce(snapshot)
	return l.ID, nil
}

// Get returns a copy of one learning.
func (s *Store) Get(id uuid.UUID) (*Learning, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return l.clone(), true
}

// Search returns matching learnings ordered by confidence descending, then
// most recently used first. Results are copies; callers may mutate them.
func (s *Store) Search(q Query) []*Learning {
	floor := q.MinConfidence
	if floor == 0 {
		floor = s.cfg.MinConfidence
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	needle := strings.ToLower(q.Text)

	s.mu.RLock()
	var out []*Learning
	for _, l := range s.index {
		if l.Confidence < floor {
			continue
		}
		if q.Component != "" && l.Component != q.Component {
			continue
		}
		if q.Type != "" && l.Type != q.Type {
			continue
		}
		if needle != "" && !matchesText(l, needle) {
			continue
		}
		out = append(out, l.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}

	metrics.RecordLearningSearch()
	return out
}

func matchesText(l *Learning, needle string) bool {
	if strings.Contains(strings.ToLower(l.Content), needle) {
		return true
	}
	for k, v := range l.Context {
		if strings.Contains(strings.ToLower(k), needle) || strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// MarkSuccess records a positive application of the learning.
func (s *Store) MarkSuccess(id uuid.UUID) error {
	return s.feedback(id, true)
}

// MarkFailure records a negative application of the learning.
func (s *Store) MarkFailure(id uuid.UUID) error {
	return s.feedback(id, false)
}

// feedback updates counts, then blends prior confidence with the success
// rate observed after the update: alpha*old + (1-alpha)*rate, clamped to
// [0, 1]. Use tracking advances whether the application succeeded or not.
func (s *Store) feedback(id uuid.UUID, success bool) error {
	s.mu.Lock()
	l, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return faults.Newf(faults.Contract, "learning.feedback", "unknown learning id %s", id)
	}

	if success {
		l.SuccessCount++
	} else {
		l.FailureCount++
	}
	l.UseCount++
	l.LastUsedAt = time.Now().UTC()
	l.Confidence = clamp01(s.cfg.Alpha*l.Confidence + (1-s.cfg.Alpha)*l.SuccessRate())

	if err := s.appendLocked(l); err != nil {
		s.mu.Unlock()
		return err
	}
	confidence := l.Confidence
	metrics.SetActiveLearnings(s.activeCountLocked())
	s.mu.Unlock()

	metrics.RecordLearningFeedback(success)
	s.log.Debug().
		Str("id", id.String()).
		Bool("success", success).
		Float64("confidence", confidence).
		Msg("Recorded learning feedback")
	return nil
}

// Stats counts active learnings and total feedback seen across all entries,
// decayed ones included.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ActiveLearnings: s.activeCountLocked()}
	for _, l := range s.index {
		st.SuccessfulApplications += l.SuccessCount
		st.FailedApplications += l.FailureCount
	}
	return st
}

func (s *Store) activeCountLocked() int {
	n := 0
	for _, l := range s.index {
		if l.Confidence >= s.cfg.MinConfidence {
			n++
		}
	}
	return n
}

// appendLocked writes the full current record as one journal line and
// flushes it. Callers hold s.mu.
func (s *Store) appendLocked(l *Learning) error {
	if s.file == nil {
		return faults.New(faults.Persistence, "learning.append", "store closed")
	}
	line, err := json.Marshal(l)
	if err != nil {
		return faults.Wrap(faults.Persistence, "learning.append", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return faults.Wrap(faults.Persistence, "learning.append", err)
	}
	if err := s.file.Sync(); err != nil {
		return faults.Wrap(faults.Persistence, "learning.append", err)
	}
	return nil
}

func (s *Store) announce(l *Learning) {
	if s.pub == nil {
		return
	}
	msg := bus.NewMessage(bus.TypeNewLearning, l.Component).
		WithKey(string(l.Type)).
		WithData(l)
	if _, err := s.pub.Publish(msg); err != nil {
		s.log.Warn().Err(err).Str("id", l.ID.String()).Msg("Failed to announce new learning")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
