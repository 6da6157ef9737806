package sim

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/protocol"
)

var ErrStopped = errors.New("loop stopped")

type submitReq struct {
	Env  protocol.Envelope
	Resp chan submitResp
}

type submitResp struct {
	Report bus.Report
	Err    error
}

// Loop drives every agent one tick per cycle, in registration order, on a
// single goroutine. Envelopes from other goroutines are submitted through a
// channel and published between cycles.
type Loop struct {
	bus    *bus.Bus
	agents []*agent.Agent
	rate   int
	log    *log.Logger

	submit   chan submitReq
	stop     chan struct{}
	stopOnce sync.Once

	tick atomic.Uint64
}

func NewLoop(b *bus.Bus, agents []*agent.Agent, tickRateHz int, logger *log.Logger) *Loop {
	if tickRateHz <= 0 {
		tickRateHz = 5
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loop{
		bus:    b,
		agents: append([]*agent.Agent(nil), agents...),
		rate:   tickRateHz,
		log:    logger,
		submit: make(chan submitReq, 64),
		stop:   make(chan struct{}),
	}
}

func (l *Loop) Agents() []*agent.Agent { return append([]*agent.Agent(nil), l.agents...) }

// Tick is the number of completed cycles.
func (l *Loop) Tick() uint64 { return l.tick.Load() }

func (l *Loop) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(l.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case req := <-l.submit:
			l.handleSubmit(req)
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs one cycle. Fatal agent errors are logged and returned; they
// never stop the other agents.
func (l *Loop) Step(ctx context.Context) []error {
	var errs []error
	for _, a := range l.agents {
		if err := a.Tick(ctx); err != nil {
			l.log.Printf("tick %d: agent %s: %v", l.tick.Load(), a.Name(), err)
			errs = append(errs, err)
		}
	}
	l.tick.Add(1)
	return errs
}

// Submit hands env to the loop goroutine for publishing and waits for the
// publish outcome. Safe to call from any goroutine while Run is active.
func (l *Loop) Submit(ctx context.Context, env protocol.Envelope) (bus.Report, error) {
	resp := make(chan submitResp, 1)
	req := submitReq{Env: env, Resp: resp}

	select {
	case l.submit <- req:
	case <-l.stop:
		return bus.Report{}, ErrStopped
	case <-ctx.Done():
		return bus.Report{}, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.Report, r.Err
	case <-l.stop:
		return bus.Report{}, ErrStopped
	case <-ctx.Done():
		return bus.Report{}, ctx.Err()
	}
}

func (l *Loop) handleSubmit(req submitReq) {
	rep, err := l.bus.Publish(req.Env)
	if err != nil {
		l.log.Printf("submit %s from %s rejected: %v", req.Env.Type, req.Env.Source, err)
	}
	if req.Resp == nil {
		return
	}
	select {
	case req.Resp <- submitResp{Report: rep, Err: err}:
	default:
	}
}

// Shutdown stops every started agent, releasing its sectors, then ends Run.
// Agents still in IDLE never ran and are left as they are. It is safe to call
// more than once.
func (l *Loop) Shutdown() {
	l.stopOnce.Do(func() {
		for _, a := range l.agents {
			if st := a.State(); st.Terminal() || st == agent.StateIdle {
				continue
			}
			if err := a.Stop(); err != nil {
				l.log.Printf("shutdown %s: %v", a.Name(), err)
			}
		}
		close(l.stop)
	})
}
