package pipeline

import "fmt"

// State is a phase of the run state machine.
type State string

const (
	StateIdle         State = "Idle"
	StateExtracting   State = "Extracting"
	StateTransforming State = "Transforming"
	StateLoading      State = "Loading"
	StateCommitting   State = "Committing"
	StateFailed       State = "Failed"
)

// transitions lists the legal successors of each state. Failed is
// reachable from every active state and is terminal for the run.
var transitions = map[State][]State{
	StateIdle:         {StateExtracting},
	StateExtracting:   {StateTransforming, StateCommitting, StateFailed},
	StateTransforming: {StateLoading, StateFailed},
	StateLoading:      {StateCommitting, StateFailed},
	StateCommitting:   {StateIdle, StateFailed},
	StateFailed:       nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the current state of one run and the path it took.
type machine struct {
	current State
	trail   []State
	onEnter func(State)
}

func newMachine(onEnter func(State)) *machine {
	return &machine{current: StateIdle, trail: []State{StateIdle}, onEnter: onEnter}
}

// to moves to next. An illegal move is a programming error and panics.
func (m *machine) to(next State) {
	if !CanTransition(m.current, next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", m.current, next))
	}
	m.current = next
	m.trail = append(m.trail, next)
	if m.onEnter != nil {
		m.onEnter(next)
	}
}

// fail moves to Failed if the run is in an active state.
func (m *machine) fail() {
	if CanTransition(m.current, StateFailed) {
		m.to(StateFailed)
	}
}
