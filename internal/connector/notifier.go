// internal/connector/notifier.go
package connector

import "sync"

// CloseNotifier delivers a connector's close event at most once per session.
// Arm starts a session; the first Fire after it reaches the subscribers and
// every later Fire is dropped until the next Arm.
type CloseNotifier struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(reason string)
	armed    bool
}

// Subscribe registers handler and returns a func that removes it
func (n *CloseNotifier) Subscribe(handler func(reason string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handlers == nil {
		n.handlers = make(map[uint64]func(string))
	}
	id := n.nextID
	n.nextID++
	n.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// Arm starts a new session
func (n *CloseNotifier) Arm() {
	n.mu.Lock()
	n.armed = true
	n.mu.Unlock()
}

// Fire notifies subscribers if the current session has not been closed yet.
// It reports whether the event was delivered.
func (n *CloseNotifier) Fire(reason string) bool {
	n.mu.Lock()
	if !n.armed {
		n.mu.Unlock()
		return false
	}
	n.armed = false
	handlers := make([]func(string), 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
	return true
}

// Len returns the number of registered handlers
func (n *CloseNotifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers)
}
