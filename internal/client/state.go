package client

import "sync"

// State is the client-observed connection state.
type State int

const (
	// Disconnected is the initial state and the state after any disconnect.
	Disconnected State = iota
	// Connected holds from a successful dial until the read loop ends.
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Liveness holds the current State and fans changes out to watchers. Each
// watcher channel holds only the latest state; a slow reader skips
// intermediate values but always ends up on the current one.
type Liveness struct {
	mu       sync.Mutex
	state    State
	watchers map[int]chan State
	nextID   int
}

// Get returns the current state.
func (l *Liveness) Get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// set records a transport event. The state always follows the latest event.
func (l *Liveness) set(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == s {
		return
	}
	l.state = s
	for _, ch := range l.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Watch subscribes to state changes. The channel is primed with the current
// state. Call the returned func to unsubscribe; the channel is then closed.
func (l *Liveness) Watch() (<-chan State, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watchers == nil {
		l.watchers = make(map[int]chan State)
	}
	id := l.nextID
	l.nextID++

	ch := make(chan State, 1)
	ch <- l.state
	l.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers, id)
			close(ch)
			l.mu.Unlock()
		})
	}
}
