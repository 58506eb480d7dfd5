// Package state owns the connection lifecycle of the live session.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-vision-service/internal/observability/metrics"
)

// Kind identifies a connection state variant.
type Kind int

const (
	// Disconnected - No remote session. Initial state.
	Disconnected Kind = iota
	// Ready - Remote session established, no conversation running.
	Ready
	// Connecting - Duplex audio conversation is being started.
	Connecting
	// Connected - Conversation active, frames may be transmitted.
	Connected
	// Error - Last session-level operation failed. Recoverable via initialize.
	Error
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "DISCONNECTED"
	case Ready:
		return "READY"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// State is the published connection state. Message is set only for Error.
type State struct {
	Kind    Kind
	Message string
}

// String returns the string representation of the state.
func (s State) String() string {
	if s.Kind == Error {
		return fmt.Sprintf("ERROR(%s)", s.Message)
	}
	return s.Kind.String()
}

// Is reports whether the state is of the given kind.
func (s State) Is(k Kind) bool {
	return s.Kind == k
}

// Snapshot is a state value stamped with the order it was applied in.
type Snapshot struct {
	State State
	Seq   uint64
	At    time.Time
}

// ErrIllegalTransition is returned when a transition is not an edge of the state machine.
var ErrIllegalTransition = errors.New("illegal state transition")

// Machine is the single writer of the connection state.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	Disconnected ──InitSucceeded──→ Ready ──BeginConnecting──→ Connecting ──SessionActive──→ Connected
//	     │                            ↑                             │                            │
//	     └──InitFailed──→ Error ──────┘ (InitSucceeded)             └──ConnectFailed──→ Error    └──Ended──→ Ready
//
//	any ──Fail──→ Error
//
// Rules:
//   - Only the edges above are applied; anything else returns ErrIllegalTransition
//     and leaves the state unchanged.
//   - Error is not terminal: a later InitSucceeded moves it back to Ready.
//   - Observers get the latest value, never a backlog.
type Machine struct {
	mu       sync.Mutex
	current  Snapshot
	watchers map[*Watcher]struct{}
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewMachine creates a state machine in the Disconnected state.
func NewMachine(log zerolog.Logger, m *metrics.Metrics) *Machine {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	machine := &Machine{
		watchers: make(map[*Watcher]struct{}),
		log:      log.With().Str("component", "state").Logger(),
		metrics:  m,
		now:      time.Now,
	}
	machine.current = Snapshot{State: State{Kind: Disconnected}, At: machine.now()}
	return machine
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.State
}

// Snapshot returns the current state with its sequence number.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// InitSucceeded applies Disconnected|Error → Ready.
func (m *Machine) InitSucceeded() error {
	return m.transition(State{Kind: Ready}, Disconnected, Error)
}

// InitFailed applies Disconnected|Error → Error(reason).
func (m *Machine) InitFailed(reason string) error {
	return m.transition(State{Kind: Error, Message: reason}, Disconnected, Error)
}

// BeginConnecting applies Ready → Connecting.
func (m *Machine) BeginConnecting() error {
	return m.transition(State{Kind: Connecting}, Ready)
}

// SessionActive applies Connecting → Connected.
func (m *Machine) SessionActive() error {
	return m.transition(State{Kind: Connected}, Connecting)
}

// ConnectFailed applies Connecting → Error(reason).
func (m *Machine) ConnectFailed(reason string) error {
	return m.transition(State{Kind: Error, Message: reason}, Connecting)
}

// Ended applies Connected → Ready.
func (m *Machine) Ended() error {
	return m.transition(State{Kind: Ready}, Connected)
}

// Fail applies any → Error(reason) for unrecoverable failures.
func (m *Machine) Fail(reason string) error {
	return m.transition(State{Kind: Error, Message: reason},
		Disconnected, Ready, Connecting, Connected, Error)
}

func (m *Machine) transition(to State, from ...Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current.State
	if !allowed(prev.Kind, from) {
		m.log.Debug().
			Str("from", prev.String()).
			Str("to", to.String()).
			Msg("Transition rejected")
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, prev.Kind, to.Kind)
	}

	m.current = Snapshot{State: to, Seq: m.current.Seq + 1, At: m.now()}
	for w := range m.watchers {
		w.offer(m.current)
	}

	m.metrics.RecordTransition(prev.Kind.String(), to.Kind.String(), int(to.Kind))
	m.log.Info().
		Str("from", prev.String()).
		Str("to", to.String()).
		Uint64("seq", m.current.Seq).
		Msg("Connection state changed")
	return nil
}

func allowed(k Kind, from []Kind) bool {
	for _, f := range from {
		if f == k {
			return true
		}
	}
	return false
}

// Subscribe registers an observer. The returned watcher holds the current
// snapshot immediately and afterwards only ever the newest one.
func (m *Machine) Subscribe() *Watcher {
	w := &Watcher{
		ch:      make(chan Snapshot, 1),
		machine: m,
	}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	w.offer(m.current)
	m.mu.Unlock()
	return w
}

func (m *Machine) unsubscribe(w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[w]; ok {
		delete(m.watchers, w)
		close(w.ch)
	}
}

// Watcher is a single-slot mailbox of state snapshots.
// A slow reader misses intermediate states but never reads them out of order.
type Watcher struct {
	ch      chan Snapshot
	machine *Machine
	once    sync.Once
}

// C returns the channel delivering the latest snapshot. It is closed by Close.
func (w *Watcher) C() <-chan Snapshot {
	return w.ch
}

// Close unsubscribes the watcher. Idempotent.
func (w *Watcher) Close() {
	w.once.Do(func() { w.machine.unsubscribe(w) })
}

// offer replaces any unread snapshot with s. Called with machine.mu held,
// so the drain+send pair cannot interleave with another offer.
func (w *Watcher) offer(s Snapshot) {
	select {
	case <-w.ch:
	default:
	}
	w.ch <- s
}
