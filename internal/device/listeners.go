package device

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listeners is a broadcast list of callbacks. Emit calls every registered callback in
// registration order on the emitting goroutine; a panicking callback is logged and
// does not prevent delivery to the rest.
type Listeners[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	items  []listener[T]
	logger *logrus.Logger
	name   string
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// NewListeners creates an empty list; name is used in panic logs.
func NewListeners[T any](name string, logger *logrus.Logger) *Listeners[T] {
	return &Listeners[T]{name: name, logger: logger}
}

// Add registers fn and returns a function that removes it. Removing twice is a no-op.
// A nil fn registers nothing.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Emit delivers v to a snapshot of the registered callbacks.
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	snapshot := make([]listener[T], len(l.items))
	copy(snapshot, l.items)
	l.mu.RUnlock()

	for _, it := range snapshot {
		l.call(it.fn, v)
	}
}

func (l *Listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.WithFields(logrus.Fields{
				"listener": l.name,
				"panic":    r,
			}).Error("Listener panicked")
		}
	}()
	fn(v)
}

// Clear drops every registered callback.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}
