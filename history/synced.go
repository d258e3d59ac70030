package history

import "sync"

// Synced guards a History with a read-write mutex so it can be shared
// between goroutines. Every operation runs under the lock as a whole.
//
// The server does not use it: each editor's history is only touched by its
// session goroutine. Synced is for callers without that confinement.
type Synced[T any] struct {
	mu sync.RWMutex
	h  *History[T]
}

// NewSynced creates a Synced history. See New for the arguments.
func NewSynced[T any](initial T, opts ...Option) (*Synced[T], error) {
	h, err := New(initial, opts...)
	if err != nil {
		return nil, err
	}
	return &Synced[T]{h: h}, nil
}

func (s *Synced[T]) Push(newState T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Push(newState)
}

func (s *Synced[T]) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Undo()
}

func (s *Synced[T]) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Redo()
}

func (s *Synced[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h.Clear()
}

func (s *Synced[T]) Present() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.Present()
}

func (s *Synced[T]) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.CanUndo()
}

func (s *Synced[T]) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.CanRedo()
}

func (s *Synced[T]) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.Info()
}

// State returns a consistent copy of past, present and future.
func (s *Synced[T]) State() State[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.State()
}

// Update runs fn with exclusive access to the underlying History, for
// compound operations that must not interleave with other callers.
func (s *Synced[T]) Update(fn func(h *History[T])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.h)
}
