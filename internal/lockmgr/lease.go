package lockmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ajitpratap0/botfunk/internal/metrics"
)

// Lease is a held lock kept alive by a background heartbeat. Lost() is
// closed as soon as the holder can no longer assume ownership, which is
// always before another process would judge the lock stale.
type Lease struct {
	resource string
	holder   string
	ttl      time.Duration
	mgr      *Manager

	lost     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
	doneOnce sync.Once
}

// Resource returns the resource key this lease covers.
func (l *Lease) Resource() string { return l.resource }

// Holder returns the holder identity renewing this lease.
func (l *Lease) Holder() string { return l.holder }

// Lost is closed when ownership is lost before release.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once and after loss.
func (l *Lease) Release() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.finish()
	return l.mgr.Release(l.resource, l.holder)
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
	l.finish()
}

func (l *Lease) finish() {
	l.doneOnce.Do(func() { l.mgr.leaseDone() })
}

// heartbeat renews every ttl/3. Ownership is declared lost on an explicit
// holder mismatch or once two consecutive renewals have failed, so the
// holder always stands down before the TTL staleness horizon.
func (l *Lease) heartbeat() {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenew := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			err := l.mgr.Renew(l.resource, l.holder)
			if err == nil {
				lastRenew = time.Now()
				continue
			}
			metrics.RecordLockRenewFailure()
			if errors.Is(err, ErrLockLost) || time.Since(lastRenew) >= 2*l.ttl/3 {
				l.mgr.log.Warn().
					Err(err).
					Str("resource", l.resource).
					Str("holder", l.holder).
					Msg("Instance lock lost")
				l.markLost()
				return
			}
			l.mgr.log.Warn().
				Err(err).
				Str("resource", l.resource).
				Msg("Lock renewal failed, retrying")
		}
	}
}

// AcquireAndHold acquires the lock for resource under the manager's holder
// identity and TTL, then keeps it renewed until the lease is released, the
// context is canceled, or ownership is lost. Returns a *Busy instead of a
// lease when a live holder has the lock.
func (m *Manager) AcquireAndHold(ctx context.Context, resource string) (*Lease, *Busy, error) {
	busy, err := m.Acquire(resource, m.holder, m.ttl)
	if err != nil {
		return nil, nil, err
	}
	if busy != nil {
		return nil, busy, nil
	}

	lease := &Lease{
		resource: resource,
		holder:   m.holder,
		ttl:      m.ttl,
		mgr:      m,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	m.leaseGranted()
	go lease.heartbeat()
	go func() {
		select {
		case <-ctx.Done():
			_ = lease.Release()
		case <-lease.stop:
		case <-lease.lost:
		}
	}()
	return lease, nil, nil
}
