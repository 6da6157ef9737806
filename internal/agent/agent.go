// Package agent implements the worker lifecycle: a finite-state machine
// wrapped around a perceive -> decide -> act loop driven one tick at a time.
//
// Every worker plugs in through the Worker interface. The runtime (Agent)
// owns the mailbox the bus delivers into, applies control messages, decides
// which phases run for the current state, and releases the worker's sector
// locks whenever it stops or fails.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/protocol"
)

type Action string

const (
	ActNone Action = "NONE"
	ActWait Action = "WAIT"
)

// Decision is the output of Decide. Payload is private to the worker.
// ThenWait moves the agent to WAITING after a successful act.
type Decision struct {
	Action   Action
	Payload  any
	ThenWait bool
}

func None() Decision { return Decision{Action: ActNone} }
func Wait() Decision { return Decision{Action: ActWait} }

// Outbox is the publish capability handed to Act, and only to Act.
type Outbox interface {
	Publish(env protocol.Envelope) error
}

// Worker is the capability contract every concrete worker implements.
//
// Perceive folds delivered messages (already filtered to this agent) into
// working memory and reports whether any of them is actionable; it must not
// publish or touch locks. Decide is a pure function of working memory. Act is
// the only phase allowed to publish or mutate the lock manager; returning an
// error wrapped with Fatal drives the agent to ERROR.
type Worker interface {
	Name() string
	Subscriptions() []string
	Perceive(msgs []protocol.Envelope) bool
	Decide() Decision
	Act(ctx context.Context, d Decision, out Outbox) error
}

// StatusReporter lets a worker add detail to agent.status.v1 reports.
type StatusReporter interface {
	Status() map[string]any
}

// Resetter lets a worker clear its working memory on operator reset.
type Resetter interface {
	Reset()
}

// Releaser frees every sector held by an agent.
type Releaser interface {
	ReleaseAll(agentID string) int
}

var ErrFatal = errors.New("fatal")

type fatalError struct{ err error }

func (e *fatalError) Error() string        { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error        { return e.err }
func (e *fatalError) Is(target error) bool { return target == ErrFatal }
func (e *fatalError) ErrorCode() string    { return protocol.ErrFatal }

// Fatal marks err as an unrecoverable act failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was produced by Fatal.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

var controlTypes = []string{
	protocol.TypeAgentPause,
	protocol.TypeAgentResume,
	protocol.TypeAgentStop,
	protocol.TypeStatusRequest,
}

type Options struct {
	Logger *log.Logger
	Locks  Releaser
}

type Agent struct {
	w     Worker
	name  string
	bus   *bus.Bus
	fsm   *Machine
	log   *log.Logger
	locks Releaser

	// runMu serializes ticks with external triggers so a stop never lands in
	// the middle of an act.
	runMu   sync.Mutex
	ticks   uint64
	lastErr error

	inMu    sync.Mutex
	inbox   []protocol.Envelope
	ignored uint64
}

// New wraps w, registers its mailbox on b and subscribes it to its own
// message types plus the agent control messages. The agent starts in IDLE.
func New(w Worker, b *bus.Bus, opts Options) *Agent {
	a := &Agent{
		w:     w,
		name:  w.Name(),
		bus:   b,
		fsm:   NewMachine(),
		log:   opts.Logger,
		locks: opts.Locks,
	}
	if a.log == nil {
		a.log = log.New(io.Discard, "", 0)
	}
	a.fsm.OnTransition(a.onTransition)

	b.Register(a.name, a.receive)
	for _, t := range w.Subscriptions() {
		b.Subscribe(a.name, t)
	}
	for _, t := range controlTypes {
		b.Subscribe(a.name, t)
	}
	return a
}

func (a *Agent) Name() string   { return a.name }
func (a *Agent) Worker() Worker { return a.w }
func (a *Agent) State() State   { return a.fsm.State() }

// LastError is the most recent act failure, fatal or not.
func (a *Agent) LastError() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.lastErr
}

// Pending is the number of envelopes waiting in the mailbox.
func (a *Agent) Pending() int {
	a.inMu.Lock()
	defer a.inMu.Unlock()
	return len(a.inbox)
}

// receive is the bus endpoint. Messages for a stopped or failed agent are
// dropped here; the audit log still records them.
func (a *Agent) receive(env protocol.Envelope) error {
	if a.fsm.State().Terminal() {
		a.inMu.Lock()
		a.ignored++
		a.inMu.Unlock()
		return nil
	}
	if !env.AddressedTo(a.name) {
		return nil
	}
	a.inMu.Lock()
	a.inbox = append(a.inbox, env)
	a.inMu.Unlock()
	return nil
}

func (a *Agent) drain() []protocol.Envelope {
	a.inMu.Lock()
	defer a.inMu.Unlock()
	msgs := a.inbox
	a.inbox = nil
	return msgs
}

func (a *Agent) Start() error  { return a.trigger(a.fsm.Start) }
func (a *Agent) Pause() error  { return a.trigger(a.fsm.Pause) }
func (a *Agent) Resume() error { return a.trigger(a.fsm.Resume) }
func (a *Agent) Stop() error   { return a.trigger(a.fsm.Stop) }

func (a *Agent) trigger(fn func() error) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return fn()
}

// Reset restores an agent in ERROR to IDLE. It is an operator action, not a
// message-driven transition.
func (a *Agent) Reset() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if err := a.fsm.fire(triggerReset); err != nil {
		return err
	}
	a.drain()
	a.lastErr = nil
	if r, ok := a.w.(Resetter); ok {
		r.Reset()
	}
	return nil
}

func (a *Agent) onTransition(tr Transition) {
	if tr.To.Terminal() && a.locks != nil {
		a.locks.ReleaseAll(a.name)
	}
	a.log.Printf("%s -> %s (%s)", tr.From, tr.To, tr.Trigger)

	msg := protocol.AgentStateMsg{
		Agent:    a.name,
		Previous: string(tr.From),
		State:    string(tr.To),
		Trigger:  string(tr.Trigger),
	}
	if tr.To == StateError && a.lastErr != nil {
		msg.Reason = a.lastErr.Error()
	}
	a.publish(protocol.MustEnvelope(protocol.TypeAgentState, a.name, protocol.Broadcast, msg))
}

// Tick runs one cycle for this agent:
//
//	STOPPED, ERROR   nothing
//	IDLE, WAITING    perceive; a relevant message starts or wakes the agent
//	PAUSED           perceive
//	RUNNING          perceive, decide, act
//
// Decide and act run only if the agent is RUNNING once perceive is done. The
// returned error is non-nil only when act failed fatally.
func (a *Agent) Tick(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.fsm.State().Terminal() {
		a.drain()
		return nil
	}
	a.ticks++

	msgs := a.drain()
	domain := msgs[:0:0]
	for _, env := range msgs {
		if a.fsm.State().Terminal() {
			break
		}
		switch env.Type {
		case protocol.TypeAgentPause:
			a.control(env, a.fsm.Pause)
		case protocol.TypeAgentResume:
			a.control(env, a.fsm.Resume)
		case protocol.TypeAgentStop:
			a.control(env, a.fsm.Stop)
		case protocol.TypeStatusRequest:
			a.reportStatus(env)
		default:
			domain = append(domain, env)
		}
	}
	if a.fsm.State().Terminal() {
		return nil
	}

	if a.w.Perceive(domain) {
		switch a.fsm.State() {
		case StateIdle:
			_ = a.fsm.Start()
		case StateWaiting:
			_ = a.fsm.fire(triggerWake)
		}
	}
	if a.fsm.State() != StateRunning {
		return nil
	}

	d := a.w.Decide()
	switch d.Action {
	case "", ActNone:
		return nil
	case ActWait:
		return a.fsm.fire(triggerWait)
	}

	if err := a.act(ctx, d); err != nil {
		a.lastErr = err
		if IsFatal(err) {
			a.log.Printf("act %s failed: %v", d.Action, err)
			if ferr := a.fsm.fire(triggerFail); ferr != nil {
				a.log.Printf("fail transition: %v", ferr)
			}
			return fmt.Errorf("%s: %w", a.name, err)
		}
		a.log.Printf("act %s: %v", d.Action, err)
	}
	if d.ThenWait && a.fsm.State() == StateRunning {
		return a.fsm.fire(triggerWait)
	}
	return nil
}

func (a *Agent) act(ctx context.Context, d Decision) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("panic in act %s: %v", d.Action, r))
		}
	}()
	return a.w.Act(ctx, d, outbox{a})
}

func (a *Agent) control(env protocol.Envelope, fn func() error) {
	if err := fn(); err != nil {
		// A broadcast reaches agents that cannot honour it; that is expected.
		a.log.Printf("control %s from %s ignored: %v", env.Type, env.Source, err)
	}
}

func (a *Agent) reportStatus(req protocol.Envelope) {
	msg := protocol.AgentStatusMsg{
		Agent: a.name,
		State: string(a.fsm.State()),
		Detail: map[string]any{
			"ticks": a.ticks,
		},
	}
	if a.lastErr != nil {
		msg.Detail["last_error"] = a.lastErr.Error()
	}
	if r, ok := a.w.(StatusReporter); ok {
		for k, v := range r.Status() {
			msg.Detail[k] = v
		}
	}
	env := protocol.MustEnvelope(protocol.TypeAgentStatus, a.name, req.Source, msg).WithContext(req.Context)
	a.publish(env)
}

func (a *Agent) publish(env protocol.Envelope) {
	if env.Source == "" {
		env.Source = a.name
	}
	rep, err := a.bus.Publish(env)
	if err != nil {
		a.log.Printf("publish %s: %v", env.Type, err)
		return
	}
	if ferr := rep.Err(); ferr != nil {
		a.log.Printf("publish %s: %v", env.Type, ferr)
	}
}

type outbox struct{ a *Agent }

// Publish stamps the agent as source. Only schema rejections are returned;
// downstream handler faults are logged.
func (o outbox) Publish(env protocol.Envelope) error {
	if env.Source == "" {
		env.Source = o.a.name
	}
	rep, err := o.a.bus.Publish(env)
	if err != nil {
		return err
	}
	if ferr := rep.Err(); ferr != nil {
		o.a.log.Printf("publish %s: %v", env.Type, ferr)
	}
	return nil
}
