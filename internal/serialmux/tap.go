package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Tap fans out the lines exchanged with the controller to any number of
// observers, such as the debug tail endpoint. Publishing never blocks: a
// subscriber that is not ready misses the line.
type Tap struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

// NewTap returns an empty tap.
func NewTap() *Tap {
	return &Tap{subscribers: make(map[string]chan string)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new observer. The returned channel is closed by
// Unsubscribe or Close. After Close it is returned already closed.
func (t *Tap) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Subscribers reports the number of active observers.
func (t *Tap) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

func (t *Tap) publish(line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel so readers unblock during shutdown.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return
	}
	t.closing = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}
