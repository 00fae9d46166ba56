package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

// State root layout. Journals are line-delimited JSON; snapshots are whole
// JSON documents replaced atomically.
const (
	schemaVersion     = 1
	positionsTmpName  = "positions.tmp"
	auditLogName      = "audit.log"
	learningsLogName  = "learnings.log"
	paramsFileName    = "params.json"
	paramsTmpName     = "params.tmp"
	locksDirName      = "locks"
)

// ErrCorruptState marks persisted state that failed to parse or broke an
// at-rest invariant. Callers refuse to proceed rather than trade on it.
var ErrCorruptState = errors.New("corrupt state")

func positionsFileName(version int) string {
	return fmt.Sprintf("positions.v%d.json", version)
}

// Store is the durable state root: the positions snapshot, the audit and
// learnings journals, tunable parameters, and the lock directory. One Store
// is shared by all components; each file has a single-writer mutex and an
// in-memory cache refreshed on write.
type Store struct {
	root string
	log  zerolog.Logger

	posMu     sync.Mutex
	positions []Position
	posLoaded bool

	auditMu   sync.Mutex
	auditFile *os.File
	seq       int64

	paramsMu sync.Mutex
	params   map[string]Param

	intentsMu sync.Mutex
	intents   map[string]PendingIntent
}

// Open prepares the state root, creating it if needed. The audit journal is
// opened for append and its sequence counter recovered; parameters are
// loaded eagerly. Positions load lazily so the trade engine controls the
// recovery path.
func Open(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, faults.Wrap(faults.Persistence, "state.open", err)
	}
	if err := os.MkdirAll(filepath.Join(root, locksDirName), 0750); err != nil {
		return nil, faults.Wrap(faults.Persistence, "state.open", err)
	}

	s := &Store{
		root:   root,
		log:    log,
		params: make(map[string]Param),
	}

	auditPath := filepath.Join(root, auditLogName)
	f, err := os.OpenFile(auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, faults.Wrap(faults.Persistence, "state.open", err)
	}
	s.auditFile = f

	seq, err := recoverAuditSeq(auditPath)
	if err != nil {
		_ = f.Close()
		return nil, faults.Wrap(faults.Persistence, "state.open", err)
	}
	s.seq = seq

	if err := s.loadParams(); err != nil {
		_ = f.Close()
		return nil, err
	}

	log.Info().
		Str("root", root).
		Int64("audit_seq", seq).
		Int("params", len(s.params)).
		Msg("State store opened")

	return s, nil
}

// Root returns the state root directory.
func (s *Store) Root() string { return s.root }

// LockDir returns the lock file directory under the state root.
func (s *Store) LockDir() string { return filepath.Join(s.root, locksDirName) }

// LearningsPath returns the learnings journal path under the state root.
func (s *Store) LearningsPath() string { return filepath.Join(s.root, learningsLogName) }

// Close releases the audit journal handle.
func (s *Store) Close() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// SavePositions atomically replaces the positions snapshot. The document is
// written to positions.tmp, synced, renamed over the live file, and the
// parent directory synced. A failed write never tears the live file.
func (s *Store) SavePositions(positions []Position) error {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	doc := positionsDoc{
		Version:   schemaVersion,
		UpdatedAt: time.Now().UTC(),
		Positions: positions,
	}
	if err := doc.validate(); err != nil {
		return faults.Wrap(faults.Contract, "state.save_positions", err)
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Persistence, "state.save_positions", err)
	}

	if err := writeFileAtomic(s.root, positionsTmpName, positionsFileName(schemaVersion), data); err != nil {
		return faults.Wrap(faults.Persistence, "state.save_positions", err)
	}

	s.positions = append(s.positions[:0:0], positions...)
	s.posLoaded = true
	return nil
}

// LoadPositions returns the persisted position set. A missing snapshot is an
// empty set. Recovery order: a temp file left without a live file is adopted
// if valid; when both exist the live file wins and the temp is removed,
// except that a corrupt live file falls back to a valid temp before the load
// is refused with ErrCorruptState.
func (s *Store) LoadPositions() ([]Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	if s.posLoaded {
		return append(s.positions[:0:0], s.positions...), nil
	}

	livePath := filepath.Join(s.root, positionsFileName(schemaVersion))
	tmpPath := filepath.Join(s.root, positionsTmpName)

	doc, err := s.resolveSnapshot(livePath, tmpPath)
	if err != nil {
		return nil, err
	}

	s.positions = doc.Positions
	s.posLoaded = true
	return append(s.positions[:0:0], s.positions...), nil
}

func (s *Store) resolveSnapshot(livePath, tmpPath string) (*positionsDoc, error) {
	liveData, liveErr := os.ReadFile(livePath)
	switch {
	case liveErr == nil:
		doc, parseErr := parsePositionsDoc(liveData)
		if parseErr == nil {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				s.log.Warn().Err(err).Msg("Failed to remove stale positions temp file")
			}
			return doc, nil
		}
		// Live snapshot is damaged; a complete temp file from an
		// interrupted replace may still hold the intended state.
		if doc, tmpErr := readSnapshotFile(tmpPath); tmpErr == nil {
			if err := promoteTmp(s.root, tmpPath, livePath); err != nil {
				return nil, faults.Wrap(faults.Persistence, "state.load_positions", err)
			}
			s.log.Warn().
				Str("live", livePath).
				Msg("Live positions snapshot corrupt, recovered from temp file")
			return doc, nil
		}
		return nil, corruptErr("state.load_positions", parseErr)

	case os.IsNotExist(liveErr):
		doc, tmpErr := readSnapshotFile(tmpPath)
		if tmpErr == nil {
			if err := promoteTmp(s.root, tmpPath, livePath); err != nil {
				return nil, faults.Wrap(faults.Persistence, "state.load_positions", err)
			}
			s.log.Warn().Msg("Positions snapshot recovered from temp file")
			return doc, nil
		}
		if os.IsNotExist(tmpErr) {
			return &positionsDoc{Version: schemaVersion}, nil
		}
		if errors.Is(tmpErr, ErrCorruptState) {
			return nil, corruptErr("state.load_positions", tmpErr)
		}
		return nil, faults.Wrap(faults.Persistence, "state.load_positions", tmpErr)

	default:
		return nil, faults.Wrap(faults.Persistence, "state.load_positions", liveErr)
	}
}

// readSnapshotFile reads and parses one snapshot file. os.IsNotExist errors
// pass through; parse failures wrap ErrCorruptState.
func readSnapshotFile(path string) (*positionsDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := parsePositionsDoc(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, filepath.Base(path), err)
	}
	return doc, nil
}

func parsePositionsDoc(data []byte) (*positionsDoc, error) {
	var doc positionsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func promoteTmp(dir, tmpPath, livePath string) error {
	if err := os.Rename(tmpPath, livePath); err != nil {
		return err
	}
	return syncDir(dir)
}

func corruptErr(op string, cause error) error {
	if errors.Is(cause, ErrCorruptState) {
		return faults.Wrap(faults.Persistence, op, cause)
	}
	return faults.Wrap(faults.Persistence, op, fmt.Errorf("%w: %v", ErrCorruptState, cause))
}

// writeFileAtomic writes data to tmpName in dir, syncs it, renames it over
// finalName, and syncs the directory so the rename itself is durable.
func writeFileAtomic(dir, tmpName, finalName string, data []byte) error {
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, finalName)); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
