// Package registry serializes mutating operations per resource. Each
// resource identifier (machine name, sandbox name) has one operation slot:
// Idle -> Locked -> Idle. The registry is the only shared mutable state in
// the operation path and is always injected, never a singleton, so every
// test can build its own.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects the contention behavior of Acquire.
type Mode int

const (
	// Serialize queues the caller until the holder releases. Queued
	// callers are served in acquire order.
	Serialize Mode = iota
	// FailFast returns a BusyError immediately when the slot is taken.
	FailFast
)

func (m Mode) String() string {
	if m == FailFast {
		return "fail_fast"
	}
	return "serialize"
}

// BusyError reports fail-fast contention. The caller owns the retry
// decision; the registry never retries.
type BusyError struct {
	ResourceID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource %q is busy with another operation", e.ResourceID)
}

// Token proves lock ownership. Tokens are single-use: after Release the
// token is dead, and releasing a dead token is a harmless no-op.
type Token struct {
	id         string
	resourceID string
}

// ResourceID returns the resource the token was issued for.
func (t Token) ResourceID() string { return t.resourceID }

// LockInfo describes one live lock for introspection surfaces.
type LockInfo struct {
	ResourceID string    `json:"resource_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Waiters    int       `json:"waiters"`
}

type waiter struct {
	id    string
	ready chan struct{}
}

type lockState struct {
	holder     string
	acquiredAt time.Time
	queue      []waiter
}

// Registry is the per-resource operation lock table.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*lockState
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		locks:  make(map[string]*lockState),
		logger: logger,
	}
}

// Acquire takes the operation slot for a resource. Under Serialize the
// call blocks until the slot frees or ctx is done; under FailFast a taken
// slot returns *BusyError immediately. On success the returned Token must
// be released exactly once (extra releases are no-ops).
func (r *Registry) Acquire(ctx context.Context, resourceID string, mode Mode) (Token, error) {
	if resourceID == "" {
		return Token{}, fmt.Errorf("empty resource id")
	}

	id := uuid.New().String()

	r.mu.Lock()
	st := r.locks[resourceID]
	if st == nil {
		st = &lockState{}
		r.locks[resourceID] = st
	}

	if st.holder == "" && len(st.queue) == 0 {
		st.holder = id
		st.acquiredAt = time.Now()
		r.mu.Unlock()
		r.logger.Debug("lock acquired",
			slog.String("resource_id", resourceID),
			slog.String("mode", mode.String()),
		)
		return Token{id: id, resourceID: resourceID}, nil
	}

	if mode == FailFast {
		r.mu.Unlock()
		return Token{}, &BusyError{ResourceID: resourceID}
	}

	w := waiter{id: id, ready: make(chan struct{})}
	st.queue = append(st.queue, w)
	waitStart := time.Now()
	r.mu.Unlock()

	select {
	case <-w.ready:
		r.logger.Debug("lock acquired after wait",
			slog.String("resource_id", resourceID),
			slog.Duration("waited", time.Since(waitStart)),
		)
		return Token{id: id, resourceID: resourceID}, nil

	case <-ctx.Done():
		r.mu.Lock()
		if st.holder == id {
			// Promoted in the same instant the context fired: the slot is
			// ours, so pass it on rather than leak it.
			r.promoteLocked(resourceID, st)
		} else {
			for i, qw := range st.queue {
				if qw.id == id {
					st.queue = append(st.queue[:i], st.queue[i+1:]...)
					break
				}
			}
			r.dropIfIdleLocked(resourceID, st)
		}
		r.mu.Unlock()
		return Token{}, ctx.Err()
	}
}

// Release returns the slot to Idle and hands it to the next queued waiter.
// Invalid or already-released tokens are ignored: timeout paths may race a
// normal release, and a double release must stay harmless.
func (r *Registry) Release(token Token) {
	if token.id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.locks[token.resourceID]
	if st == nil || st.holder != token.id {
		return
	}
	r.promoteLocked(token.resourceID, st)
	r.logger.Debug("lock released", slog.String("resource_id", token.resourceID))
}

// Held reports whether a resource's slot is currently taken.
func (r *Registry) Held(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.locks[resourceID]
	return st != nil && st.holder != ""
}

// HeldCount returns the number of live locks.
func (r *Registry) HeldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.locks {
		if st.holder != "" {
			n++
		}
	}
	return n
}

// Locks returns a snapshot of live locks for introspection endpoints.
func (r *Registry) Locks() []LockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LockInfo, 0, len(r.locks))
	for id, st := range r.locks {
		if st.holder == "" {
			continue
		}
		out = append(out, LockInfo{
			ResourceID: id,
			AcquiredAt: st.acquiredAt,
			Waiters:    len(st.queue),
		})
	}
	return out
}

// promoteLocked hands the slot to the queue head, or drops the entry when
// nobody is waiting. Callers hold r.mu.
func (r *Registry) promoteLocked(resourceID string, st *lockState) {
	if len(st.queue) == 0 {
		st.holder = ""
		delete(r.locks, resourceID)
		return
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	st.holder = next.id
	st.acquiredAt = time.Now()
	close(next.ready)
}

// dropIfIdleLocked garbage-collects an entry with no holder and no
// waiters. Callers hold r.mu.
func (r *Registry) dropIfIdleLocked(resourceID string, st *lockState) {
	if st.holder == "" && len(st.queue) == 0 {
		delete(r.locks, resourceID)
	}
}
