package pipeline

import (
	"context"
	"fmt"
	"log"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/strategy"
)

// Substitute lets Ratio units of the wanted material be covered by one unit
// of Material.
type Substitute struct {
	Material string
	Ratio    int
}

type CoordinatorConfig struct {
	Blueprint string // default building strategy
	// MaxRounds bounds partial request rounds; once reached the coordinator
	// builds anyway and records the shortfall. 0 means no bound.
	MaxRounds     int
	Substitutions map[string][]Substitute
}

type queuedMap struct {
	context string
	msg     protocol.MapMsg
}

type job struct {
	context     string
	site        protocol.Site
	blueprint   string
	bom         map[string]int
	collected   map[string]int
	outstanding map[string]int
	awaiting    bool
	rounds      int
}

// Coordinator picks a site, requests the bill of materials and builds once
// the gathered inventory covers it.
type Coordinator struct {
	cfg CoordinatorConfig
	reg *strategy.Registry
	log *log.Logger

	templates map[string]string // workflow context -> blueprint
	queue     []queuedMap
	job       *job

	built     int
	lastBuild *protocol.BuildMsg
}

func NewCoordinator(reg *strategy.Registry, cfg CoordinatorConfig, logger *log.Logger) (*Coordinator, error) {
	if _, err := reg.Lookup(strategy.Building, cfg.Blueprint); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	return &Coordinator{
		cfg:       cfg,
		reg:       reg,
		log:       discard(logger),
		templates: map[string]string{},
	}, nil
}

func (c *Coordinator) Name() string { return CoordinatorName }

func (c *Coordinator) Subscriptions() []string {
	return []string{protocol.TypeWorkflowRun, protocol.TypeMap, protocol.TypeInventory}
}

func (c *Coordinator) Perceive(msgs []protocol.Envelope) bool {
	relevant := false
	for _, env := range msgs {
		switch env.Type {
		case protocol.TypeWorkflowRun:
			run, err := protocol.Decode[protocol.WorkflowRunMsg](env)
			if err == nil && run.Template != "" && env.Context != "" {
				c.templates[env.Context] = run.Template
			}
		case protocol.TypeMap:
			m, err := protocol.Decode[protocol.MapMsg](env)
			if err != nil {
				c.log.Printf("drop %s: %v", env.Type, err)
				continue
			}
			if len(m.Sites) == 0 {
				c.log.Printf("map from %s has no sites", env.Source)
				continue
			}
			c.queue = append(c.queue, queuedMap{context: env.Context, msg: m})
			relevant = true
		case protocol.TypeInventory:
			if c.accept(env) {
				relevant = true
			}
		}
	}
	if c.job == nil {
		c.promote()
	}
	if c.job != nil {
		c.job.outstanding = Shortfall(c.job.bom, c.job.collected, c.cfg.Substitutions)
	}
	return relevant
}

func (c *Coordinator) accept(env protocol.Envelope) bool {
	if c.job == nil {
		c.log.Printf("inventory from %s with no open requirement", env.Source)
		return false
	}
	if env.Context != "" && env.Context != c.job.context {
		c.log.Printf("inventory for %s ignored (current %s)", env.Context, c.job.context)
		return false
	}
	inv, err := protocol.Decode[protocol.InventoryMsg](env)
	if err != nil {
		c.log.Printf("drop %s: %v", env.Type, err)
		return false
	}
	for m, n := range inv.Inventory {
		c.job.collected[m] += n
	}
	c.job.awaiting = false
	return true
}

// promote turns the oldest queued map into the current job.
func (c *Coordinator) promote() {
	for len(c.queue) > 0 {
		qm := c.queue[0]
		c.queue = c.queue[1:]

		name := qm.msg.Template
		if name == "" {
			name = c.templates[qm.context]
		}
		if name == "" {
			name = c.cfg.Blueprint
		}
		bp, err := c.reg.Lookup(strategy.Building, name)
		if err != nil {
			c.log.Printf("map %s: %v", qm.context, err)
			continue
		}
		site := qm.msg.Sites[0]
		out, err := bp.Run(strategy.BuildInput{Site: site})
		if err != nil {
			c.log.Printf("plan %s: %v", bp.Name(), err)
			continue
		}
		plan, ok := out.(strategy.Plan)
		if !ok {
			c.log.Printf("plan %s: unexpected result %T", bp.Name(), out)
			continue
		}
		ctx := qm.context
		if ctx == "" {
			ctx = protocol.NewContext()
		}
		c.job = &job{
			context:   ctx,
			site:      site,
			blueprint: plan.Blueprint,
			bom:       plan.Materials,
			collected: map[string]int{},
		}
		delete(c.templates, qm.context)
		c.log.Printf("job %s: %s at (%d,%d) needs %v", ctx, plan.Blueprint, site.X, site.Z, plan.Materials)
		return
	}
}

func (c *Coordinator) Decide() agent.Decision {
	j := c.job
	switch {
	case j == nil:
		return agent.Wait()
	case len(j.outstanding) == 0:
		return agent.Decision{Action: ActBuild, Payload: c.buildMsg()}
	case j.awaiting:
		return agent.Wait()
	case c.cfg.MaxRounds > 0 && j.rounds >= c.cfg.MaxRounds:
		return agent.Decision{Action: ActBuild, Payload: c.buildMsg()}
	default:
		return agent.Decision{
			Action: ActRequest,
			Payload: protocol.RequirementsMsg{
				Requirements: copyCounts(j.outstanding),
				Site:         j.site,
				Round:        j.rounds + 1,
			},
			ThenWait: true,
		}
	}
}

func (c *Coordinator) buildMsg() protocol.BuildMsg {
	j := c.job
	msg := protocol.BuildMsg{
		Blueprint: j.blueprint,
		Site:      j.site,
		Materials: copyCounts(j.collected),
		Rounds:    j.rounds,
	}
	if len(j.outstanding) > 0 {
		msg.Shortfall = copyCounts(j.outstanding)
	}
	return msg
}

func (c *Coordinator) Act(_ context.Context, d agent.Decision, out agent.Outbox) error {
	if c.job == nil {
		return nil
	}
	switch d.Action {
	case ActRequest:
		msg := d.Payload.(protocol.RequirementsMsg)
		env, err := protocol.NewEnvelope(protocol.TypeRequirements, CoordinatorName, "", msg)
		if err != nil {
			return agent.Fatal(err)
		}
		if err := publishOwn(out, env.WithContext(c.job.context)); err != nil {
			return err
		}
		c.job.rounds++
		c.job.awaiting = true
		return nil
	case ActBuild:
		msg := d.Payload.(protocol.BuildMsg)
		env, err := protocol.NewEnvelope(protocol.TypeBuild, CoordinatorName, "", msg)
		if err != nil {
			return agent.Fatal(err)
		}
		if err := publishOwn(out, env.WithContext(c.job.context)); err != nil {
			return err
		}
		if len(msg.Shortfall) > 0 {
			c.log.Printf("built %s after %d round(s), short %v", msg.Blueprint, msg.Rounds, msg.Shortfall)
		} else {
			c.log.Printf("built %s after %d round(s)", msg.Blueprint, msg.Rounds)
		}
		c.built++
		c.lastBuild = &msg
		c.job = nil
		c.promote()
		if c.job != nil {
			c.job.outstanding = Shortfall(c.job.bom, c.job.collected, c.cfg.Substitutions)
		}
		return nil
	}
	return fmt.Errorf("coordinator: unexpected action %s", d.Action)
}

// Outstanding is the current unmet requirement, empty when there is no job
// or it is covered.
func (c *Coordinator) Outstanding() map[string]int {
	if c.job == nil {
		return map[string]int{}
	}
	return copyCounts(c.job.outstanding)
}

// LastBuild is the most recent structure.build.v1 payload, if any.
func (c *Coordinator) LastBuild() (protocol.BuildMsg, bool) {
	if c.lastBuild == nil {
		return protocol.BuildMsg{}, false
	}
	return *c.lastBuild, true
}

func (c *Coordinator) Status() map[string]any {
	st := map[string]any{
		"built":  c.built,
		"queued": len(c.queue),
	}
	if j := c.job; j != nil {
		st["job"] = j.context
		st["blueprint"] = j.blueprint
		st["round"] = j.rounds
		st["outstanding"] = copyCounts(j.outstanding)
	}
	return st
}

func (c *Coordinator) Reset() {
	c.queue = nil
	c.job = nil
	c.templates = map[string]string{}
}

// Shortfall is what bom still needs after spending collected, first on the
// materials themselves and then on substitutes. Materials are settled in
// name order so the result is deterministic.
func Shortfall(bom, collected map[string]int, subs map[string][]Substitute) map[string]int {
	spare := copyCounts(collected)
	out := map[string]int{}
	for m, need := range bom {
		use := min(need, spare[m])
		spare[m] -= use
		if need > use {
			out[m] = need - use
		}
	}
	for _, m := range strategy.SortedMaterials(out) {
		for _, s := range subs[m] {
			if out[m] == 0 {
				break
			}
			ratio := max(1, s.Ratio)
			units := min(spare[s.Material], (out[m]+ratio-1)/ratio)
			if units <= 0 {
				continue
			}
			spare[s.Material] -= units
			out[m] -= min(units*ratio, out[m])
		}
		if out[m] == 0 {
			delete(out, m)
		}
	}
	return out
}
