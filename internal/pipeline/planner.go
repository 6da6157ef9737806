package pipeline

import (
	"context"
	"fmt"
	"log"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/strategy"
	"voxelcrew.ai/internal/terrain"
)

type PlannerConfig struct {
	Strategy  string
	CenterX   int
	CenterZ   int
	Range     int
	Footprint int
	MaxSites  int
}

type plannedMap struct {
	context string
	msg     protocol.MapMsg
}

// Planner turns a workflow request into a map of candidate build sites.
type Planner struct {
	cfg    PlannerConfig
	scan   strategy.Capability
	sample terrain.Sampler
	log    *log.Logger

	pending   *plannedMap
	published int
	last      protocol.MapMsg
}

func NewPlanner(reg *strategy.Registry, sample terrain.Sampler, cfg PlannerConfig, logger *log.Logger) (*Planner, error) {
	scan, err := reg.Lookup(strategy.Exploration, cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	if sample == nil {
		return nil, fmt.Errorf("planner: nil terrain sampler")
	}
	return &Planner{cfg: cfg, scan: scan, sample: sample, log: discard(logger)}, nil
}

func (p *Planner) Name() string { return PlannerName }

func (p *Planner) Subscriptions() []string {
	return []string{protocol.TypeWorkflowRun}
}

// Perceive runs the terrain scan for the latest workflow request. Sampling
// happens here so act only publishes.
func (p *Planner) Perceive(msgs []protocol.Envelope) bool {
	relevant := false
	for _, env := range msgs {
		if env.Type != protocol.TypeWorkflowRun {
			continue
		}
		run, err := protocol.Decode[protocol.WorkflowRunMsg](env)
		if err != nil {
			p.log.Printf("drop %s: %v", env.Type, err)
			continue
		}
		in := strategy.ExploreInput{
			CenterX:   p.cfg.CenterX,
			CenterZ:   p.cfg.CenterZ,
			Range:     p.cfg.Range,
			Footprint: p.cfg.Footprint,
			MaxSites:  p.cfg.MaxSites,
			Sample:    p.sample,
		}
		if run.X != nil {
			in.CenterX = *run.X
		}
		if run.Z != nil {
			in.CenterZ = *run.Z
		}
		if run.Range > 0 {
			in.Range = run.Range
		}
		out, err := p.scan.Run(in)
		if err != nil {
			p.log.Printf("scan %s: %v", p.scan.Name(), err)
			continue
		}
		res, ok := out.(strategy.ExploreResult)
		if !ok {
			p.log.Printf("scan %s: unexpected result %T", p.scan.Name(), out)
			continue
		}
		ctx := env.Context
		if ctx == "" {
			ctx = protocol.NewContext()
		}
		sites := res.Sites
		if sites == nil {
			sites = []protocol.Site{}
		}
		p.pending = &plannedMap{
			context: ctx,
			msg: protocol.MapMsg{
				Center:   res.Center,
				Range:    in.Range,
				Sites:    sites,
				Strategy: p.scan.Name(),
				Template: run.Template,
				Status:   "complete",
			},
		}
		p.log.Printf("scan around (%d,%d) r=%d: %d site(s)", in.CenterX, in.CenterZ, in.Range, len(sites))
		relevant = true
	}
	return relevant
}

func (p *Planner) Decide() agent.Decision {
	if p.pending == nil {
		return agent.Wait()
	}
	return agent.Decision{Action: ActPublishMap, Payload: *p.pending, ThenWait: true}
}

func (p *Planner) Act(_ context.Context, d agent.Decision, out agent.Outbox) error {
	if d.Action != ActPublishMap {
		return fmt.Errorf("planner: unexpected action %s", d.Action)
	}
	pm := d.Payload.(plannedMap)
	env, err := protocol.NewEnvelope(protocol.TypeMap, PlannerName, "", pm.msg)
	if err != nil {
		return agent.Fatal(err)
	}
	if err := publishOwn(out, env.WithContext(pm.context)); err != nil {
		return err
	}
	p.pending = nil
	p.published++
	p.last = pm.msg
	return nil
}

func (p *Planner) Status() map[string]any {
	return map[string]any{
		"strategy":   p.scan.Name(),
		"maps":       p.published,
		"last_sites": len(p.last.Sites),
	}
}

func (p *Planner) Reset() { p.pending = nil }
