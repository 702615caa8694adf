// Package session holds the orchestrator's recording-session state machine.
// State only changes through Fire, which looks the transition up in a fixed
// table; there is no other mutation path.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the orchestrator's view of the single recording session.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is one a session can rest in.
func (s State) Settled() bool {
	return s == Idle || s == Recording
}

// Trigger is an input to the machine: a toggle request or a worker report.
type Trigger int

const (
	// Toggle is a controller request.
	Toggle Trigger = iota
	// ReportRecording is the worker's "recording" status.
	ReportRecording
	// ReportStopped is the worker's "stopped" status.
	ReportStopped
	// ReportError is the worker's "error" status.
	ReportError
	// Unreachable is fired when a control command never reached a worker.
	Unreachable
	// StopUnconfirmed is fired when a worker received a stop but did not
	// answer in time. The worker may still be recording.
	StopUnconfirmed
)

func (t Trigger) String() string {
	switch t {
	case Toggle:
		return "toggle"
	case ReportRecording:
		return "report_recording"
	case ReportStopped:
		return "report_stopped"
	case ReportError:
		return "report_error"
	case Unreachable:
		return "unreachable"
	case StopUnconfirmed:
		return "stop_unconfirmed"
	default:
		return "unknown"
	}
}

// ErrToggleInFlight is returned when a toggle arrives while a stop is pending.
var ErrToggleInFlight = errors.New("session stop already in flight")

type transitionKey struct {
	from    State
	trigger Trigger
}

var transitions = map[transitionKey]State{
	{Idle, Toggle}:          Starting,
	{Idle, ReportRecording}: Recording,
	{Idle, ReportStopped}:   Idle,
	{Idle, ReportError}:     Idle,
	{Idle, Unreachable}:     Idle,
	{Idle, StopUnconfirmed}: Idle,

	{Starting, Toggle}:          Stopping,
	{Starting, ReportRecording}: Recording,
	{Starting, ReportStopped}:   Idle,
	{Starting, ReportError}:     Idle,
	{Starting, Unreachable}:     Idle,
	{Starting, StopUnconfirmed}: Starting,

	{Recording, Toggle}:          Stopping,
	{Recording, ReportRecording}: Recording,
	{Recording, ReportStopped}:   Idle,
	{Recording, ReportError}:     Recording,
	{Recording, Unreachable}:     Recording,
	{Recording, StopUnconfirmed}: Recording,

	{Stopping, ReportRecording}: Recording,
	{Stopping, ReportStopped}:   Idle,
	{Stopping, ReportError}:     Stopping,
	{Stopping, Unreachable}:     Idle,
	{Stopping, StopUnconfirmed}: Recording,
}

// Machine is safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

// New returns a machine in Idle; no state survives a process restart.
func New() *Machine {
	return &Machine{state: Idle}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies trigger to the current state and returns both ends of the
// transition. A missing table entry leaves the state untouched.
func (m *Machine) Fire(trigger Trigger) (from, to State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from = m.state
	next, ok := transitions[transitionKey{from, trigger}]
	if !ok {
		if trigger == Toggle && from == Stopping {
			return from, from, ErrToggleInFlight
		}
		return from, from, fmt.Errorf("no transition from %s on %s", from, trigger)
	}
	m.state = next
	return from, next, nil
}
