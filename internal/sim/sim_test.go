package sim

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/pipeline"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sim/tuning"
	"voxelcrew.ai/internal/terrain"
)

type bottomless struct{}

func (bottomless) Available(terrain.Sector, string) int { return 1 << 20 }
func (bottomless) Extract(_ terrain.Sector, _ string, want int) int {
	return want
}

type memSink struct {
	mu   sync.Mutex
	recs []bus.AuditRecord
}

func (m *memSink) WriteAudit(rec bus.AuditRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memSink) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.Envelope.Type == typ {
			n++
		}
	}
	return n
}

func flat(int, int) int { return 64 }

func newSystem(t *testing.T, opts Options) *System {
	t.Helper()
	if opts.LogOutput == nil {
		opts.LogOutput = &bytes.Buffer{}
	}
	s, err := New(tuning.Defaults(), opts)
	require.NoError(t, err)
	return s
}

func workflow(t *testing.T) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeWorkflowRun, "test", protocol.Broadcast, protocol.WorkflowRunMsg{Range: 4})
	require.NoError(t, err)
	return env.WithContext(protocol.NewContext())
}

func TestNew_WiresAgentsInOrder(t *testing.T) {
	s := newSystem(t, Options{})
	assert.Equal(t, []string{pipeline.PlannerName, pipeline.CoordinatorName, pipeline.GathererName}, s.Names())
	for _, name := range s.Names() {
		a, ok := s.Agent(name)
		require.True(t, ok)
		assert.Equal(t, agent.StateIdle, a.State())
	}
	assert.Equal(t, []string{pipeline.PlannerName, pipeline.CoordinatorName}, s.Bus.Subscribers(protocol.TypeWorkflowRun))
}

func TestNew_RejectsBadTuning(t *testing.T) {
	tu := tuning.Defaults()
	tu.Gatherer.Strategy = "teleport"
	_, err := New(tu, Options{LogOutput: &bytes.Buffer{}})
	assert.Error(t, err)

	tu = tuning.Defaults()
	tu.TickRateHz = -1
	_, err = New(tu, Options{LogOutput: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestStep_BuildsWithPlentifulDeposits(t *testing.T) {
	sink := &memSink{}
	s := newSystem(t, Options{Sampler: flat, Deposits: bottomless{}, Sinks: []bus.AuditSink{sink}})
	_, err := s.Bus.Publish(workflow(t))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Empty(t, s.Loop.Step(ctx))
	assert.Empty(t, s.Loop.Step(ctx))
	assert.Equal(t, uint64(2), s.Loop.Tick())

	assert.Equal(t, 1, sink.count(protocol.TypeMap))
	assert.Equal(t, 1, sink.count(protocol.TypeRequirements))
	assert.Equal(t, 1, sink.count(protocol.TypeInventory))
	assert.Equal(t, 1, sink.count(protocol.TypeBuild))
	b, ok := s.Coordinator.LastBuild()
	require.True(t, ok)
	assert.Empty(t, b.Shortfall)
	assert.Equal(t, 0, s.Locks.Len())
}

func TestStep_RealTerrainTerminates(t *testing.T) {
	s := newSystem(t, Options{Sampler: flat})
	_, err := s.Bus.Publish(workflow(t))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		s.Loop.Step(ctx)
		if _, ok := s.Coordinator.LastBuild(); ok {
			break
		}
	}
	b, ok := s.Coordinator.LastBuild()
	require.True(t, ok, "coordinator never built")
	assert.LessOrEqual(t, b.Rounds, s.Tuning.Coordinator.MaxRequestRounds)
	assert.NotEmpty(t, s.Field.Mined())
}

func TestRun_SubmitAndShutdown(t *testing.T) {
	tu := tuning.Defaults()
	tu.TickRateHz = 200
	s, err := New(tu, Options{LogOutput: &bytes.Buffer{}, Sampler: flat, Deposits: bottomless{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Loop.Run(ctx) }()

	rep, err := s.Loop.Submit(ctx, workflow(t))
	require.NoError(t, err)
	assert.Equal(t, []string{pipeline.PlannerName, pipeline.CoordinatorName}, rep.Delivered)

	bad := workflow(t)
	bad.Source = ""
	_, err = s.Loop.Submit(ctx, bad)
	assert.ErrorIs(t, err, protocol.ErrInvalidEnvelope)

	require.Eventually(t, func() bool {
		for _, rec := range s.Bus.Audit() {
			if rec.Envelope.Type == protocol.TypeBuild {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	s.Loop.Shutdown()
	s.Loop.Shutdown()
	require.NoError(t, <-done)
	for _, name := range s.Names() {
		a, _ := s.Agent(name)
		assert.Equal(t, agent.StateStopped, a.State(), name)
	}
	assert.Equal(t, 0, s.Locks.Len())

	_, err = s.Loop.Submit(context.Background(), workflow(t))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdown_LeavesIdleAgentsIdle(t *testing.T) {
	s := newSystem(t, Options{Sampler: flat, Deposits: bottomless{}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Loop.Run(ctx) }()

	s.Loop.Shutdown()
	require.NoError(t, <-done)
	for _, name := range s.Names() {
		a, _ := s.Agent(name)
		assert.Equal(t, agent.StateIdle, a.State(), name)
	}
}
