// Package history implements a bounded, linear undo/redo history over
// arbitrary state snapshots.
//
// A History holds three parts: the past (oldest first), the present, and
// the future (nearest redo first). Pushing a new state moves the present
// into the past and discards the future; history never branches. The past
// is capped, and the oldest entries are evicted once the cap is exceeded.
//
// Snapshots are stored as given. Callers must push independent values that
// they will not mutate afterwards.
//
// A History is not safe for concurrent use. Wrap it in a Synced when it is
// shared between goroutines.
package history

import (
	"errors"
	"fmt"
)

// DefaultMaxSize is the past capacity used when no WithMaxSize option is given.
const DefaultMaxSize = 50

// ErrInvalidMaxSize is returned by New when the configured capacity is not positive.
var ErrInvalidMaxSize = errors.New("history: max size must be positive")

// Info reports history depth for display, e.g. enabling undo/redo buttons.
type Info struct {
	PastCount   int `json:"pastCount"`
	FutureCount int `json:"futureCount"`
}

// State is a point-in-time copy of the full history.
type State[T any] struct {
	Past    []T `json:"past"`
	Present T   `json:"present"`
	Future  []T `json:"future"`
}

type options struct {
	maxSize int
}

// Option configures a History.
type Option func(*options)

// WithMaxSize sets the maximum number of past states retained.
func WithMaxSize(n int) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

// History is a past/present/future undo-redo container.
type History[T any] struct {
	past    *ring[T]
	present T
	// future is kept with the nearest redo at the end so undo and redo
	// are both O(1).
	future []T
}

// New creates a History whose present is initial and whose past and
// future are empty.
func New[T any](initial T, opts ...Option) (*History[T], error) {
	o := options{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSize <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidMaxSize, o.maxSize)
	}
	return &History[T]{
		past:    newRing[T](o.maxSize),
		present: initial,
	}, nil
}

// Push records the current present in the past and makes newState the
// present. Any redo states are discarded. Identical consecutive states are
// not collapsed.
func (h *History[T]) Push(newState T) {
	h.past.push(h.present)
	h.present = newState
	clear(h.future)
	h.future = h.future[:0]
}

// Undo steps back one state. It returns false and leaves the history
// untouched when there is nothing to undo.
func (h *History[T]) Undo() bool {
	prev, ok := h.past.pop()
	if !ok {
		return false
	}
	h.future = append(h.future, h.present)
	h.present = prev
	return true
}

// Redo steps forward one state. It returns false and leaves the history
// untouched when there is nothing to redo.
func (h *History[T]) Redo() bool {
	if len(h.future) == 0 {
		return false
	}
	last := len(h.future) - 1
	next := h.future[last]
	var zero T
	h.future[last] = zero
	h.future = h.future[:last]

	h.past.push(h.present)
	h.present = next
	return true
}

// Clear drops all past and future states. The present is kept.
func (h *History[T]) Clear() {
	h.past.reset()
	clear(h.future)
	h.future = h.future[:0]
}

// Present returns the current state.
func (h *History[T]) Present() T { return h.present }

// CanUndo reports whether the past is non-empty.
func (h *History[T]) CanUndo() bool { return h.past.len() > 0 }

// CanRedo reports whether the future is non-empty.
func (h *History[T]) CanRedo() bool { return len(h.future) > 0 }

// MaxSize returns the past capacity.
func (h *History[T]) MaxSize() int { return h.past.limit }

// Info returns the past and future depths.
func (h *History[T]) Info() Info {
	return Info{PastCount: h.past.len(), FutureCount: len(h.future)}
}

// Past returns a copy of the past, oldest first.
func (h *History[T]) Past() []T { return h.past.slice() }

// Future returns a copy of the future, nearest redo first.
func (h *History[T]) Future() []T {
	out := make([]T, len(h.future))
	for i := range out {
		out[i] = h.future[len(h.future)-1-i]
	}
	return out
}

// State returns a copy of the whole history.
func (h *History[T]) State() State[T] {
	return State[T]{Past: h.Past(), Present: h.present, Future: h.Future()}
}
