// Package notify is a generic multi-subscriber callback registry, grounded
// on the original firmware's CallbackArrayC<FuncT>/CallbackHandleC pattern:
// any number of subscribers can register a function, get back a handle, and
// remove themselves at any time including from inside their own callback.
// Registration order is preserved as fire order.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one registered callback so it can be removed later.
// Handles are stable, printable, and safe to log — they carry no reference
// to the callback itself.
type Handle struct {
	id uuid.UUID
}

func (h Handle) String() string { return h.id.String() }

func (h Handle) IsZero() bool { return h.id == uuid.Nil }

type entry[F any] struct {
	handle Handle
	fn     F
}

// Registry holds an ordered set of subscribers of function type F. It is
// safe for concurrent Add/Remove/Snapshot from any number of goroutines.
//
// Registry never calls a subscriber itself — Snapshot hands the caller a
// copy of the current subscriber list to iterate outside the registry's
// lock, so a callback that calls back into Add or Remove never deadlocks
// and never observes a registry mutation mid-fire.
type Registry[F any] struct {
	mu      sync.Mutex
	entries []entry[F]
}

// New constructs an empty registry for callback type F.
func New[F any]() *Registry[F] {
	return &Registry[F]{}
}

// Add registers fn and returns a Handle that Remove can later use to take it
// back out. fn fires after every subscriber already registered.
func (r *Registry[F]) Add(fn F) Handle {
	h := Handle{id: uuid.New()}
	r.mu.Lock()
	r.entries = append(r.entries, entry[F]{handle: h, fn: fn})
	r.mu.Unlock()
	return h
}

// Remove takes h out of the registry. It is a no-op if h is not present
// (already removed, or zero), so callers never need to guard a double
// Remove.
func (r *Registry[F]) Remove(h Handle) {
	if h.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].handle == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len reports the current subscriber count.
func (r *Registry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot copies out the current subscriber functions in fire order. The
// copy is taken under lock and then released immediately; callers must
// range over the result instead of holding any registry lock while firing,
// since a subscriber is free to Add or Remove during its own call.
func (r *Registry[F]) Snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	out := make([]F, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}
