package fsm

import "sync"

// State describes the lifecycle state of a cloud audio channel.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingHello State = "awaiting_hello"
	StateConnected     State = "connected"
)

// Handshake is a one-shot signal for a single connect attempt.
type Handshake struct {
	done chan struct{}
	once sync.Once
}

func newHandshake() *Handshake {
	return &Handshake{done: make(chan struct{})}
}

// Done is closed once the server hello for this attempt was accepted.
func (h *Handshake) Done() <-chan struct{} {
	return h.done
}

// Signal releases every waiter. Extra calls are ignored.
func (h *Handshake) Signal() {
	h.once.Do(func() { close(h.done) })
}

// Machine tracks the handshake lifecycle: idle -> awaiting_hello -> connected.
type Machine struct {
	mu        sync.RWMutex
	state     State
	handshake *Handshake
}

// New creates an idle machine.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the server hello was accepted.
func (m *Machine) Connected() bool {
	return m.State() == StateConnected
}

// BeginHandshake enters awaiting_hello and allocates a fresh signal.
// A signal from an earlier attempt is never handed out again.
func (m *Machine) BeginHandshake() *Handshake {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateAwaitingHello
	m.handshake = newHandshake()
	return m.handshake
}

// AcceptHello moves awaiting_hello to connected and returns the attempt's
// signal. The caller signals it after running its opened hooks.
func (m *Machine) AcceptHello() (*Handshake, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAwaitingHello || m.handshake == nil {
		return nil, false
	}
	m.state = StateConnected
	return m.handshake, true
}

// AbandonHandshake drops hs when it is still pending. It returns false when
// the hello for hs was accepted in the meantime.
func (m *Machine) AbandonHandshake(hs *Handshake) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handshake != hs {
		return true
	}
	if m.state == StateConnected {
		return false
	}
	m.state = StateIdle
	m.handshake = nil
	return true
}

// Disconnect returns to idle and reports whether the channel was connected.
func (m *Machine) Disconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasConnected := m.state == StateConnected
	m.state = StateIdle
	m.handshake = nil
	return wasConnected
}
