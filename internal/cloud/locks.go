package cloud

import (
	"sync"
	"time"
)

// settler is the part of a delivered message that can be settled
type settler interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

type lockedMessage struct {
	msg      settler
	deadline time.Time
}

// lockTable holds delivered messages until they are settled or their lock lapses
type lockTable struct {
	mu      sync.Mutex
	entries map[string]lockedMessage
	now     func() time.Time
}

func newLockTable() *lockTable {
	return &lockTable{
		entries: make(map[string]lockedMessage),
		now:     time.Now,
	}
}

func (t *lockTable) add(token string, msg settler, lockDuration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[token] = lockedMessage{msg: msg, deadline: t.now().Add(lockDuration)}
}

// take removes the message for token. An expired lock yields ErrLockLost: the backend
// has already redelivered the message.
func (t *lockTable) take(token string) (settler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[token]
	if !ok {
		return nil, ErrLockLost
	}
	delete(t.entries, token)

	if t.now().After(e.deadline) {
		return nil, ErrLockLost
	}
	return e.msg, nil
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// prune drops lapsed locks and returns how many were dropped
func (t *lockTable) prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for token, e := range t.entries {
		if now.After(e.deadline) {
			delete(t.entries, token)
			n++
		}
	}
	return n
}
