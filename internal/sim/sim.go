// Package sim assembles the workflow: bus, schema registry, terrain, sector
// locks, strategies and the three workers, driven by a Loop.
package sim

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/bus"
	"voxelcrew.ai/internal/pipeline"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sectorlock"
	"voxelcrew.ai/internal/sim/tuning"
	"voxelcrew.ai/internal/strategy"
	"voxelcrew.ai/internal/terrain"
)

type Options struct {
	// LogOutput receives every component log; nil means os.Stdout.
	LogOutput io.Writer
	Sinks     []bus.AuditSink
	Clock     func() time.Time

	// Overrides, mostly for tests.
	Strategies *strategy.Registry
	Sampler    terrain.Sampler
	Deposits   pipeline.Deposits
}

type System struct {
	Tuning     tuning.Tuning
	Registry   *protocol.Registry
	Bus        *bus.Bus
	Locks      *sectorlock.Manager[terrain.Sector]
	Terrain    *terrain.Generator
	Field      *terrain.Field
	Strategies *strategy.Registry

	Planner     *pipeline.Planner
	Coordinator *pipeline.Coordinator
	Gatherer    *pipeline.Gatherer

	Loop *Loop

	agents map[string]*agent.Agent
}

func New(t tuning.Tuning, opts Options) (*System, error) {
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logger := func(prefix string) *log.Logger {
		return log.New(out, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)
	}

	reg, err := protocol.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("schemas: %w", err)
	}
	busOpts := []bus.Option{bus.WithLogger(logger("bus"))}
	if opts.Clock != nil {
		busOpts = append(busOpts, bus.WithClock(opts.Clock))
	}
	for _, s := range opts.Sinks {
		busOpts = append(busOpts, bus.WithSink(s))
	}

	s := &System{
		Tuning:     t,
		Registry:   reg,
		Bus:        bus.New(reg, busOpts...),
		Locks:      sectorlock.New[terrain.Sector](logger("locks")),
		Strategies: opts.Strategies,
		agents:     map[string]*agent.Agent{},
	}
	if s.Strategies == nil {
		if s.Strategies, err = strategy.Builtin(); err != nil {
			return nil, err
		}
	}

	s.Terrain = terrain.NewGenerator(terrain.Params{
		Seed:            t.Seed,
		BaseHeight:      t.Terrain.BaseHeight,
		Amplitude:       t.Terrain.Amplitude,
		CellSize:        t.Terrain.CellSize,
		BiomeRegionSize: t.Terrain.BiomeRegionSize,
	})
	s.Field = terrain.NewField(terrain.DepositParams{
		Seed:            t.Seed,
		SectorSize:      t.SectorSize,
		BiomeRegionSize: t.Terrain.BiomeRegionSize,
		Richness:        t.Terrain.Richness,
		BarrenPermille:  t.Terrain.BarrenPermille,
	})
	sample := opts.Sampler
	if sample == nil {
		sample = s.Terrain.Sampler()
	}
	var deposits pipeline.Deposits = s.Field
	if opts.Deposits != nil {
		deposits = opts.Deposits
	}

	if s.Planner, err = pipeline.NewPlanner(s.Strategies, sample, pipeline.PlannerConfig{
		Strategy:  t.Planner.Strategy,
		CenterX:   t.Planner.CenterX,
		CenterZ:   t.Planner.CenterZ,
		Range:     t.Planner.Range,
		Footprint: t.Planner.Footprint,
		MaxSites:  t.Planner.MaxSites,
	}, logger(pipeline.PlannerName)); err != nil {
		return nil, err
	}
	if s.Coordinator, err = pipeline.NewCoordinator(s.Strategies, pipeline.CoordinatorConfig{
		Blueprint:     t.Coordinator.Blueprint,
		MaxRounds:     t.Coordinator.MaxRequestRounds,
		Substitutions: substitutions(t.Coordinator.Substitutions),
	}, logger(pipeline.CoordinatorName)); err != nil {
		return nil, err
	}
	if s.Gatherer, err = pipeline.NewGatherer(s.Strategies, deposits, s.Locks, pipeline.GathererConfig{
		Strategy:   t.Gatherer.Strategy,
		SectorSize: t.SectorSize,
		MaxSectors: t.Gatherer.MaxSectors,
	}, logger(pipeline.GathererName)); err != nil {
		return nil, err
	}

	var agents []*agent.Agent
	for _, w := range []agent.Worker{s.Planner, s.Coordinator, s.Gatherer} {
		a := agent.New(w, s.Bus, agent.Options{
			Logger: logger("agent:" + w.Name()),
			Locks:  s.Locks,
		})
		s.agents[a.Name()] = a
		agents = append(agents, a)
	}
	s.Loop = NewLoop(s.Bus, agents, t.TickRateHz, logger("loop"))
	return s, nil
}

func substitutions(in []tuning.Substitution) map[string][]pipeline.Substitute {
	out := map[string][]pipeline.Substitute{}
	for _, s := range in {
		out[s.For] = append(out[s.For], pipeline.Substitute{Material: s.Use, Ratio: s.Ratio})
	}
	return out
}

// Agent looks a worker's runtime up by name.
func (s *System) Agent(name string) (*agent.Agent, bool) {
	a, ok := s.agents[name]
	return a, ok
}

// Names lists agents in tick order.
func (s *System) Names() []string {
	out := make([]string, 0, len(s.agents))
	for _, a := range s.Loop.Agents() {
		out = append(out, a.Name())
	}
	return out
}
