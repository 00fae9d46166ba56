package state

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ajitpratap0/botfunk/internal/faults"
)

// Audit actions recorded by the core. Safety denials always carry a reason.
const (
	ActionOpen         = "OPEN"
	ActionClose        = "CLOSE"
	ActionStopMove     = "STOP_MOVE"
	ActionDenied       = "DENIED"
	ActionKillSwitch   = "KILL_SWITCH"
	ActionParamSet     = "PARAM_SET"
	ActionBreakerForce = "BREAKER_FORCE"
	ActionReconcile    = "RECONCILE"
	ActionModeration   = "MODERATION"
)

// AuditEntry is one line of the append-only audit journal. Seq is assigned
// by the store and is strictly monotone across the life of the journal.
type AuditEntry struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor"`
	Action    string      `json:"action"`
	Before    interface{} `json:"before,omitempty"`
	After     interface{} `json:"after,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// AppendAudit assigns the next sequence number, appends the entry as one
// JSON line, and flushes it to disk before returning. Concurrent appends
// are serialized.
func (s *Store) AppendAudit(entry AuditEntry) (int64, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if s.auditFile == nil {
		return 0, faults.New(faults.Persistence, "state.append_audit", "store closed")
	}

	entry.Seq = s.seq + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return 0, faults.Wrap(faults.Persistence, "state.append_audit", err)
	}
	line = append(line, '\n')

	if _, err := s.auditFile.Write(line); err != nil {
		return 0, faults.Wrap(faults.Persistence, "state.append_audit", err)
	}
	if err := s.auditFile.Sync(); err != nil {
		return 0, faults.Wrap(faults.Persistence, "state.append_audit", err)
	}

	s.seq = entry.Seq
	return entry.Seq, nil
}

// AuditSeq returns the last assigned audit sequence number.
func (s *Store) AuditSeq() int64 {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return s.seq
}

// ReadAuditTail returns up to limit entries from the end of the journal,
// oldest first. Unreadable lines are skipped; a torn final line from a
// crashed append does not block reading.
func (s *Store) ReadAuditTail(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	f, err := os.Open(s.auditPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Persistence, "state.read_audit", err)
	}
	defer func() { _ = f.Close() }()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, faults.Wrap(faults.Persistence, "state.read_audit", err)
	}
	return entries, nil
}

func (s *Store) auditPath() string {
	return filepath.Join(s.root, auditLogName)
}

// recoverAuditSeq scans the journal for the highest parseable sequence
// number so appends continue the monotone series after a restart.
func recoverAuditSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var probe struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err != nil {
			continue
		}
		if probe.Seq > last {
			last = probe.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return last, nil
}
