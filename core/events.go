package core

import "sync"

type SessionEventType string

const (
	SessionEventChanged      SessionEventType = "session_changed"
	SessionEventDisconnected SessionEventType = "disconnected"
	SessionEventNotification SessionEventType = "notification"
)

const (
	ReasonConnect        = "connect"
	ReasonExtend         = "extend"
	ReasonWalletChanged  = "wallet_session_changed"
	ReasonResume         = "resume"
	ReasonRefresh        = "refresh"
	ReasonRevoke         = "revoke"
	ReasonWalletNotified = "wallet_notify"
)

// SessionEvent is broadcast to every attached facade, in production order.
type SessionEvent struct {
	Type         SessionEventType
	Identity     string
	Session      *Session
	Version      uint64
	Reason       string
	Notification *Notification
}

// subscriberTable is an ordered table of callbacks. Emission is synchronous,
// in subscription order, outside the table lock.
type subscriberTable[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

func (t *subscriberTable[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.entries = append(t.entries, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *subscriberTable[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.entries {
		if entry.id == id {
			t.entries = append(t.entries[:i:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *subscriberTable[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *subscriberTable[T]) emit(value T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.entries))
	for _, entry := range t.entries {
		fns = append(fns, entry.fn)
	}
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(value)
	}
}
