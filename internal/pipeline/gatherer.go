package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"voxelcrew.ai/internal/agent"
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/sectorlock"
	"voxelcrew.ai/internal/strategy"
	"voxelcrew.ai/internal/terrain"
)

// Deposits is the part of the terrain the gatherer mines.
type Deposits interface {
	Available(s terrain.Sector, material string) int
	Extract(s terrain.Sector, material string, want int) int
}

// Locker is the sector lock manager as seen by the gatherer.
type Locker interface {
	Acquire(agentID string, s terrain.Sector) (sectorlock.Lock[terrain.Sector], error)
	Release(l sectorlock.Lock[terrain.Sector])
}

type GathererConfig struct {
	Strategy   string
	SectorSize int
	// MaxSectors bounds how many sectors one material may draw from per act.
	MaxSectors int
}

type gatherJob struct {
	context string
	req     protocol.RequirementsMsg
	attempt int
}

// Gatherer claims sectors, extracts what the coordinator asked for and
// reports the haul as an inventory delta.
type Gatherer struct {
	cfg      GathererConfig
	miner    strategy.Capability
	deposits Deposits
	locks    Locker
	log      *log.Logger

	job *gatherJob

	hauls    int
	busy     int
	gathered map[string]int
}

func NewGatherer(reg *strategy.Registry, deposits Deposits, locks Locker, cfg GathererConfig, logger *log.Logger) (*Gatherer, error) {
	miner, err := reg.Lookup(strategy.Mining, cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("gatherer: %w", err)
	}
	if deposits == nil || locks == nil {
		return nil, fmt.Errorf("gatherer: deposits and locks are required")
	}
	if cfg.SectorSize <= 0 {
		cfg.SectorSize = 8
	}
	if cfg.MaxSectors <= 0 {
		cfg.MaxSectors = 9
	}
	return &Gatherer{
		cfg:      cfg,
		miner:    miner,
		deposits: deposits,
		locks:    locks,
		log:      discard(logger),
		gathered: map[string]int{},
	}, nil
}

func (g *Gatherer) Name() string { return GathererName }

func (g *Gatherer) Subscriptions() []string {
	return []string{protocol.TypeRequirements}
}

// Perceive keeps only the latest requirement; a newer request supersedes
// whatever was pending.
func (g *Gatherer) Perceive(msgs []protocol.Envelope) bool {
	relevant := false
	for _, env := range msgs {
		if env.Type != protocol.TypeRequirements {
			continue
		}
		req, err := protocol.Decode[protocol.RequirementsMsg](env)
		if err != nil {
			g.log.Printf("drop %s: %v", env.Type, err)
			continue
		}
		g.job = &gatherJob{context: env.Context, req: req}
		relevant = true
	}
	return relevant
}

func (g *Gatherer) Decide() agent.Decision {
	if g.job == nil {
		return agent.Wait()
	}
	return agent.Decision{Action: ActGather}
}

func (g *Gatherer) Act(ctx context.Context, d agent.Decision, out agent.Outbox) error {
	if d.Action != ActGather {
		return fmt.Errorf("gatherer: unexpected action %s", d.Action)
	}
	if g.job == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var held []sectorlock.Lock[terrain.Sector]
	defer func() {
		for _, l := range held {
			g.locks.Release(l)
		}
	}()

	job := g.job
	origin := terrain.SectorOf(job.req.Site.X, job.req.Site.Z, g.cfg.SectorSize)
	delta := map[string]int{}
	var refs []protocol.SectorRef
	claimed := map[terrain.Sector]bool{}
	candidates, busy := 0, 0

	for _, m := range strategy.SortedMaterials(job.req.Requirements) {
		want := job.req.Requirements[m]
		delta[m] = 0
		material := m
		res, err := g.miner.Run(strategy.MineInput{
			Material: material,
			Origin:   origin,
			Attempt:  job.attempt,
			Stock:    func(s terrain.Sector) int { return g.deposits.Available(s, material) },
		})
		if err != nil {
			return fmt.Errorf("gatherer: %s: %w", g.miner.Name(), err)
		}
		sectors, _ := res.([]terrain.Sector)
		used := 0
		for _, s := range sectors {
			if want <= 0 || used >= g.cfg.MaxSectors {
				break
			}
			candidates++
			if !claimed[s] {
				l, err := g.locks.Acquire(GathererName, s)
				if errors.Is(err, sectorlock.ErrBusy) {
					busy++
					continue
				}
				if err != nil {
					return err
				}
				held = append(held, l)
				claimed[s] = true
				refs = append(refs, protocol.SectorRef{X: s.X, Z: s.Z})
			}
			used++
			got := g.deposits.Extract(s, material, want)
			delta[material] += got
			want -= got
		}
	}

	if candidates > 0 && busy == candidates {
		job.attempt++
		g.busy++
		g.log.Printf("all %d candidate sector(s) busy, retrying", candidates)
		return nil
	}

	env, err := protocol.NewEnvelope(protocol.TypeInventory, GathererName, "", protocol.InventoryMsg{
		Inventory: delta,
		Sectors:   refs,
	})
	if err != nil {
		return agent.Fatal(err)
	}
	if err := publishOwn(out, env.WithContext(job.context)); err != nil {
		return err
	}
	for m, n := range delta {
		g.gathered[m] += n
	}
	g.hauls++
	g.job = nil
	return nil
}

func (g *Gatherer) Status() map[string]any {
	st := map[string]any{
		"strategy": g.miner.Name(),
		"hauls":    g.hauls,
		"busy":     g.busy,
		"gathered": copyCounts(g.gathered),
	}
	if g.job != nil {
		st["pending"] = copyCounts(g.job.req.Requirements)
	}
	return st
}

func (g *Gatherer) Reset() { g.job = nil }
