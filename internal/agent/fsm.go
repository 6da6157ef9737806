package agent

import (
	"errors"
	"fmt"
	"sync"

	"voxelcrew.ai/internal/protocol"
)

type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateWaiting State = "WAITING"
	StateStopped State = "STOPPED"
	StateError   State = "ERROR"
)

// Terminal states run nothing on a tick.
func (s State) Terminal() bool { return s == StateStopped || s == StateError }

type Trigger string

// Public triggers.
const (
	TriggerStart  Trigger = "start"
	TriggerPause  Trigger = "pause"
	TriggerResume Trigger = "resume"
	TriggerStop   Trigger = "stop"
)

// Internal triggers, fired only by the agent runtime itself.
const (
	triggerWait  Trigger = "wait"
	triggerWake  Trigger = "wake"
	triggerFail  Trigger = "fail"
	triggerReset Trigger = "reset"
)

// transitions lists every edge of the lifecycle. A trigger with no edge from
// the current state is rejected.
var transitions = map[Trigger]map[State]State{
	TriggerStart:  {StateIdle: StateRunning},
	TriggerPause:  {StateRunning: StatePaused},
	TriggerResume: {StatePaused: StateRunning},
	TriggerStop: {
		StateRunning: StateStopped,
		StatePaused:  StateStopped,
		StateWaiting: StateStopped,
	},
	triggerWait:  {StateRunning: StateWaiting},
	triggerWake:  {StateWaiting: StateRunning},
	triggerFail:  {StateRunning: StateError},
	triggerReset: {StateError: StateIdle},
}

var ErrInvalidTransition = errors.New("invalid transition")

type InvalidTransitionError struct {
	From    State
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %s", e.Trigger, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func (e *InvalidTransitionError) ErrorCode() string { return protocol.ErrInvalidTransition }

// Transition describes an applied edge.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
}

// Machine holds the lifecycle state. Hooks run after the state has changed,
// outside the machine lock, in registration order.
type Machine struct {
	mu    sync.Mutex
	state State
	hooks []func(Transition)
}

func NewMachine() *Machine { return &Machine{state: StateIdle} }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a hook.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Machine) Start() error  { return m.fire(TriggerStart) }
func (m *Machine) Pause() error  { return m.fire(TriggerPause) }
func (m *Machine) Resume() error { return m.fire(TriggerResume) }
func (m *Machine) Stop() error   { return m.fire(TriggerStop) }

func (m *Machine) fire(t Trigger) error {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[t][from]
	if !ok {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Trigger: t}
	}
	m.state = to
	hooks := append([]func(Transition){}, m.hooks...)
	m.mu.Unlock()

	tr := Transition{From: from, To: to, Trigger: t}
	for _, h := range hooks {
		h(tr)
	}
	return nil
}
