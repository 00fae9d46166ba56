// Package lockmgr provides single-host instance locks backed by lock files
// with TTL staleness. A lock names an external resource that must have at
// most one worker attached (a Telegram bot token, a venue account). Crashed
// holders stop heartbeating and their locks become claimable after the TTL.
package lockmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ajitpratap0/botfunk/internal/faults"
	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// ErrLockLost is returned by Renew when the caller no longer holds the lock.
var ErrLockLost = errors.New("lock lost")

// Busy describes the current holder of a contended lock.
type Busy struct {
	HolderID    string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// lockRecord is the on-disk lock file content.
type lockRecord struct {
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Manager acquires and maintains instance locks under a single directory.
type Manager struct {
	dir        string
	holder     string
	ttl        time.Duration
	sweepEvery time.Duration
	log        zerolog.Logger

	heldMu sync.Mutex
	held   int
}

// NewManager creates a lock manager rooted at dir. An empty holder defaults
// to hostname:pid.
func NewManager(dir, holder string, ttl, sweepEvery time.Duration, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, faults.Wrap(faults.Persistence, "lockmgr.new", err)
	}
	if holder == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		holder = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	return &Manager{
		dir:        dir,
		holder:     holder,
		ttl:        ttl,
		sweepEvery: sweepEvery,
		log:        log.With().Str("component", "lockmgr").Logger(),
	}, nil
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string { return m.holder }

// TTL returns the staleness horizon for locks managed here.
func (m *Manager) TTL() time.Duration { return m.ttl }

func lockFileName(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])[:16] + ".lock"
}

func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, lockFileName(resource))
}

// Acquire attempts to take the lock for resource without blocking on a live
// holder. It returns (nil, nil) when the lock is acquired, a *Busy describing
// the live holder when it is not, and an error only for I/O failures. A lock
// whose heartbeat is older than ttl is stale and taken over.
func (m *Manager) Acquire(resource, holder string, ttl time.Duration) (*Busy, error) {
	path := m.lockPath(resource)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err == nil {
		if f, err = m.lockAndVerify(f, path); err != nil {
			return nil, err
		}
		if f == nil {
			// Created file vanished before we locked it; fall through.
			f, err = m.openLocked(path)
			if err != nil {
				return nil, err
			}
		}
	} else if os.IsExist(err) {
		f, err = m.openLocked(path)
		if err != nil {
			return nil, err
		}
	} else {
		metrics.RecordLockAcquisition("error")
		return nil, faults.Wrap(faults.Persistence, "lockmgr.acquire", err)
	}
	defer unlockClose(f)

	return m.claim(f, resource, holder, ttl)
}

// openLocked opens path (creating it if needed), takes the flock, and
// verifies the locked fd still names the path. A lock file unlinked while we
// waited means the flock protects a dead inode, so retry on a fresh open.
func (m *Manager) openLocked(path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			metrics.RecordLockAcquisition("error")
			return nil, faults.Wrap(faults.Persistence, "lockmgr.open", err)
		}
		locked, err := m.lockAndVerify(f, path)
		if err != nil {
			return nil, err
		}
		if locked != nil {
			return locked, nil
		}
	}
}

// lockAndVerify flocks f and checks it still backs path. Returns (nil, nil)
// when the file was swapped out underneath us and the open must be retried.
func (m *Manager) lockAndVerify(f *os.File, path string) (*os.File, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		metrics.RecordLockAcquisition("error")
		return nil, faults.Wrap(faults.Persistence, "lockmgr.flock", err)
	}
	fi, err := f.Stat()
	if err != nil {
		unlockClose(f)
		return nil, faults.Wrap(faults.Persistence, "lockmgr.stat", err)
	}
	pi, err := os.Stat(path)
	if err != nil {
		unlockClose(f)
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Persistence, "lockmgr.stat", err)
	}
	if !os.SameFile(fi, pi) {
		unlockClose(f)
		return nil, nil
	}
	return f, nil
}

// claim decides ownership from the record under an already-held flock.
func (m *Manager) claim(f *os.File, resource, holder string, ttl time.Duration) (*Busy, error) {
	now := time.Now().UTC()
	rec, err := readRecord(f)
	if err != nil {
		metrics.RecordLockAcquisition("error")
		return nil, faults.Wrap(faults.Persistence, "lockmgr.read", err)
	}

	acquiredAt := now
	switch {
	case rec == nil:
		// Free: empty, brand new, or unparseable leftovers.
	case rec.HolderID == holder:
		acquiredAt = rec.AcquiredAt
	case now.Sub(rec.HeartbeatAt) > ttl:
		m.log.Warn().
			Str("resource", resource).
			Str("stale_holder", rec.HolderID).
			Time("last_heartbeat", rec.HeartbeatAt).
			Msg("Taking over stale lock")
		metrics.RecordLockTakeover()
	default:
		metrics.RecordLockAcquisition("busy")
		return &Busy{
			HolderID:    rec.HolderID,
			AcquiredAt:  rec.AcquiredAt,
			HeartbeatAt: rec.HeartbeatAt,
		}, nil
	}

	next := lockRecord{HolderID: holder, AcquiredAt: acquiredAt, HeartbeatAt: now}
	if err := writeRecord(f, next); err != nil {
		metrics.RecordLockAcquisition("error")
		return nil, faults.Wrap(faults.Persistence, "lockmgr.write", err)
	}
	metrics.RecordLockAcquisition("acquired")
	m.log.Debug().Str("resource", resource).Str("holder", holder).Msg("Lock acquired")
	return nil, nil
}

// Renew refreshes the heartbeat on a lock the caller believes it holds.
// Returns ErrLockLost (Safety) when the file is gone, was recreated, or
// records a different holder.
func (m *Manager) Renew(resource, holder string) error {
	path := m.lockPath(resource)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return faults.Wrap(faults.Safety, "lockmgr.renew", ErrLockLost)
		}
		return faults.Wrap(faults.Persistence, "lockmgr.renew", err)
	}
	locked, err := m.lockAndVerify(f, path)
	if err != nil {
		return err
	}
	if locked == nil {
		return faults.Wrap(faults.Safety, "lockmgr.renew", ErrLockLost)
	}
	defer unlockClose(locked)

	rec, err := readRecord(locked)
	if err != nil {
		return faults.Wrap(faults.Persistence, "lockmgr.renew", err)
	}
	if rec == nil || rec.HolderID != holder {
		return faults.Wrap(faults.Safety, "lockmgr.renew", ErrLockLost)
	}

	rec.HeartbeatAt = time.Now().UTC()
	if err := writeRecord(locked, *rec); err != nil {
		return faults.Wrap(faults.Persistence, "lockmgr.renew", err)
	}
	return nil
}

// Release removes the lock if the caller holds it. Releasing a lock that is
// missing or owned by someone else is a no-op.
func (m *Manager) Release(resource, holder string) error {
	path := m.lockPath(resource)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return faults.Wrap(faults.Persistence, "lockmgr.release", err)
	}
	locked, err := m.lockAndVerify(f, path)
	if err != nil {
		return err
	}
	if locked == nil {
		return nil
	}
	defer unlockClose(locked)

	rec, err := readRecord(locked)
	if err != nil {
		return faults.Wrap(faults.Persistence, "lockmgr.release", err)
	}
	if rec != nil && rec.HolderID != holder {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.Persistence, "lockmgr.release", err)
	}
	m.log.Debug().Str("resource", resource).Str("holder", holder).Msg("Lock released")
	return nil
}

// Sweep removes lock files whose heartbeat is older than the manager TTL.
// Unparseable files are removed as well. Returns the number removed.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, faults.Wrap(faults.Persistence, "lockmgr.sweep", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		f, err := os.OpenFile(path, os.O_RDWR, 0o600)
		if err != nil {
			continue
		}
		locked, err := m.lockAndVerify(f, path)
		if err != nil || locked == nil {
			continue
		}

		rec, err := readRecord(locked)
		now := time.Now().UTC()
		if err == nil && (rec == nil || now.Sub(rec.HeartbeatAt) > m.ttl) {
			if os.Remove(path) == nil {
				removed++
				evt := m.log.Info().Str("file", entry.Name())
				if rec != nil {
					evt = evt.Str("stale_holder", rec.HolderID).Time("last_heartbeat", rec.HeartbeatAt)
				}
				evt.Msg("Reaped expired lock")
			}
		}
		unlockClose(locked)
	}
	return removed, nil
}

// Run sweeps expired locks periodically until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	m.log.Info().Dur("sweep_every", m.sweepEvery).Dur("ttl", m.ttl).Msg("Lock reaper started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Lock reaper stopped")
			return nil
		case <-ticker.C:
			n, err := m.Sweep()
			if err != nil {
				m.log.Warn().Err(err).Msg("Lock sweep failed")
			} else if n > 0 {
				m.log.Info().Int("removed", n).Msg("Lock sweep removed expired locks")
			}
		}
	}
}

func (m *Manager) leaseGranted() {
	m.heldMu.Lock()
	m.held++
	metrics.SetLocksHeld(m.held)
	m.heldMu.Unlock()
}

func (m *Manager) leaseDone() {
	m.heldMu.Lock()
	if m.held > 0 {
		m.held--
	}
	metrics.SetLocksHeld(m.held)
	m.heldMu.Unlock()
}

func readRecord(f *os.File) (*lockRecord, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	if rec.HolderID == "" {
		return nil, nil
	}
	return &rec, nil
}

func writeRecord(f *os.File, rec lockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func unlockClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
