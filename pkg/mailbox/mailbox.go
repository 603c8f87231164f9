// Package mailbox provides a goroutine-safe single-slot cell holding the
// latest value of some evolving state. Writers replace the slot, readers see
// the most recent value. It replaces the ambient-global "latest result"
// pattern with explicit ownership.
package mailbox

import "sync"

// Mailbox holds at most one value of type T. Put replaces the current value;
// Get returns it without consuming. The zero value is empty.
type Mailbox[T any] struct {
	mu    sync.RWMutex
	value T
	set   bool
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Put stores v, replacing any previous value.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	m.value = v
	m.set = true
	m.mu.Unlock()
}

// Get returns the latest value. ok is false if nothing was ever Put.
func (m *Mailbox[T]) Get() (v T, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value, m.set
}

// Swap stores v and returns the previous value, if any.
func (m *Mailbox[T]) Swap(v T) (prev T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok = m.value, m.set
	m.value = v
	m.set = true
	return prev, ok
}

// Update applies fn to the current value under the lock and stores the
// result. If the mailbox is empty, fn receives the zero value.
func (m *Mailbox[T]) Update(fn func(T) T) {
	m.mu.Lock()
	m.value = fn(m.value)
	m.set = true
	m.mu.Unlock()
}
