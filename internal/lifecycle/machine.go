package lifecycle

import "sync"

type State string

type Event string

const (
	StateIdle                State = "IDLE"
	StateOpenPlaced          State = "OPEN_PLACED"
	StateOpenPartiallyFilled State = "OPEN_PARTIALLY_FILLED"
	StateOpenFilled          State = "OPEN_FILLED"
	StateOpenCancelled       State = "OPEN_CANCELLED"
	StateClosePlaced         State = "CLOSE_PLACED"
	StateCloseFilled         State = "CLOSE_FILLED"
	StateCloseFailed         State = "CLOSE_FAILED"
)

const (
	EventPlaceOpen   Event = "PLACE_OPEN"
	EventPartialFill Event = "PARTIAL_FILL"
	EventFullFill    Event = "FULL_FILL"
	EventCancelOpen  Event = "CANCEL_OPEN"
	EventPlaceClose  Event = "PLACE_CLOSE"
	EventCloseFill   Event = "CLOSE_FILL"
	EventCloseReject Event = "CLOSE_REJECT"
	EventRetryClose  Event = "RETRY_CLOSE"
	EventReset       Event = "RESET"
)

// Machine tracks the current open/close cycle for one instrument. Resting
// close orders from finished cycles live in ActiveCloseOrderSet, not here.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState overrides the state, used when resuming from a persisted cycle.
func (m *Machine) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Apply advances the machine and reports whether the transition was legal.
// Illegal events leave the state unchanged.
func (m *Machine) Apply(event Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := nextState(m.state, event)
	if ok {
		m.state = next
	}
	return m.state, ok
}

func nextState(current State, event Event) (State, bool) {
	switch current {
	case StateIdle:
		if event == EventPlaceOpen {
			return StateOpenPlaced, true
		}
	case StateOpenPlaced:
		switch event {
		case EventPartialFill:
			return StateOpenPartiallyFilled, true
		case EventFullFill:
			return StateOpenFilled, true
		case EventCancelOpen:
			return StateOpenCancelled, true
		}
	case StateOpenPartiallyFilled:
		switch event {
		case EventPartialFill:
			return StateOpenPartiallyFilled, true
		case EventFullFill:
			return StateOpenFilled, true
		case EventCancelOpen:
			return StateOpenCancelled, true
		}
	case StateOpenFilled:
		if event == EventPlaceClose {
			return StateClosePlaced, true
		}
	case StateOpenCancelled:
		switch event {
		case EventPlaceClose:
			return StateClosePlaced, true
		case EventReset:
			return StateIdle, true
		}
	case StateClosePlaced:
		switch event {
		case EventCloseFill:
			return StateCloseFilled, true
		case EventCloseReject:
			return StateCloseFailed, true
		case EventReset:
			return StateIdle, true
		}
	case StateCloseFilled:
		if event == EventReset {
			return StateIdle, true
		}
	case StateCloseFailed:
		if event == EventRetryClose {
			return StateClosePlaced, true
		}
	}
	return current, false
}
