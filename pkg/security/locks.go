package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklab/foreman/pkg/errdef"
)

// LockManager serialises access to named resources. Locks are reentrant per
// owner, time-bounded, and recoverable through a TTL when an owner dies
// without releasing.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
	ttl   time.Duration
}

type lockEntry struct {
	owner      string
	depth      int
	acquiredAt time.Time
	expiresAt  time.Time
	waiters    []chan struct{}
}

// Handle identifies a held lock for release.
type Handle struct {
	ID       string
	Resource string
	Owner    string
}

// NewLockManager creates a lock manager whose locks expire after ttl.
func NewLockManager(ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LockManager{
		locks: make(map[string]*lockEntry),
		ttl:   ttl,
	}
}

// Acquire takes the lock on resource for owner, waiting up to timeout.
// Re-acquisition by the current owner succeeds immediately and increments
// the hold depth. On timeout the error carries kind conflict and names the
// holder.
func (lm *LockManager) Acquire(resource, owner string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)

	for {
		lm.mu.Lock()
		entry, held := lm.locks[resource]

		// Reap expired holders so a dead owner cannot wedge the resource.
		if held && time.Now().After(entry.expiresAt) {
			lm.releaseLocked(resource, entry)
			entry, held = lm.locks[resource], false
		}

		if !held {
			lm.locks[resource] = &lockEntry{
				owner:      owner,
				depth:      1,
				acquiredAt: time.Now(),
				expiresAt:  time.Now().Add(lm.ttl),
			}
			lm.mu.Unlock()
			return &Handle{ID: uuid.New().String(), Resource: resource, Owner: owner}, nil
		}

		if entry.owner == owner {
			entry.depth++
			entry.expiresAt = time.Now().Add(lm.ttl)
			lm.mu.Unlock()
			return &Handle{ID: uuid.New().String(), Resource: resource, Owner: owner}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			holder := entry.owner
			lm.mu.Unlock()
			return nil, errdef.New(errdef.KindConflict, "lock on %s held by %s", resource, holder)
		}

		wait := make(chan struct{})
		entry.waiters = append(entry.waiters, wait)
		lm.mu.Unlock()

		select {
		case <-wait:
			// Lock was released; retry.
		case <-time.After(remaining):
			// Timed out waiting; final check happens on the next loop
			// iteration, which will fail with conflict.
		}
	}
}

// Release gives up one hold on the resource. The lock is freed when the
// depth reaches zero; waiters are then woken.
func (lm *LockManager) Release(h *Handle) error {
	if h == nil {
		return errdef.New(errdef.KindValidation, "nil lock handle")
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, held := lm.locks[h.Resource]
	if !held || entry.owner != h.Owner {
		return errdef.New(errdef.KindConflict, "lock on %s not held by %s", h.Resource, h.Owner)
	}

	entry.depth--
	if entry.depth <= 0 {
		lm.releaseLocked(h.Resource, entry)
	}
	return nil
}

// releaseLocked frees the entry and wakes waiters. Caller holds lm.mu.
func (lm *LockManager) releaseLocked(resource string, entry *lockEntry) {
	delete(lm.locks, resource)
	for _, w := range entry.waiters {
		close(w)
	}
}

// Holder returns the current owner of a resource, or "" when free.
func (lm *LockManager) Holder(resource string) string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if entry, held := lm.locks[resource]; held && !time.Now().After(entry.expiresAt) {
		return entry.owner
	}
	return ""
}

// WithLock acquires, runs fn, and releases. Convenience for single-scope
// critical sections.
func (lm *LockManager) WithLock(resource, owner string, timeout time.Duration, fn func() error) error {
	h, err := lm.Acquire(resource, owner, timeout)
	if err != nil {
		return err
	}
	defer lm.Release(h)
	return fn()
}
