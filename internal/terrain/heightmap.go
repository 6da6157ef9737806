// Package terrain is the deterministic world the workers operate on: a
// hashed value-noise heightmap answering surface-height queries and a field
// of per-sector material deposits that deplete as they are mined.
package terrain

// Sampler answers surface-height queries. Workers only call it while
// perceiving or deciding.
type Sampler func(x, z int) int

type Params struct {
	Seed            int64
	BaseHeight      int // surface height with zero noise
	Amplitude       int // max lattice offset from BaseHeight
	CellSize        int // lattice spacing in blocks
	BiomeRegionSize int
}

func DefaultParams() Params {
	return Params{
		Seed:            1337,
		BaseHeight:      64,
		Amplitude:       6,
		CellSize:        16,
		BiomeRegionSize: 64,
	}
}

// Generator computes heights from lattice values bilinearly interpolated
// across each cell. Everything is integer math so results are stable across
// platforms.
type Generator struct {
	p Params
}

func NewGenerator(p Params) *Generator {
	if p.CellSize <= 0 {
		p.CellSize = 1
	}
	if p.Amplitude < 0 {
		p.Amplitude = 0
	}
	return &Generator{p: p}
}

func (g *Generator) Params() Params { return g.p }

func (g *Generator) Sampler() Sampler { return g.Height }

func (g *Generator) Height(x, z int) int {
	c := g.p.CellSize
	cx, cz := FloorDiv(x, c), FloorDiv(z, c)
	fx, fz := Mod(x, c), Mod(z, c)

	h00 := g.lattice(cx, cz)
	h10 := g.lattice(cx+1, cz)
	h01 := g.lattice(cx, cz+1)
	h11 := g.lattice(cx+1, cz+1)

	top := h00*(c-fx) + h10*fx
	bot := h01*(c-fx) + h11*fx
	v := top*(c-fz) + bot*fz
	return g.p.BaseHeight + roundDiv(v, c*c)
}

func (g *Generator) Biome(x, z int) string {
	return BiomeAt(g.p.Seed, x, z, g.p.BiomeRegionSize)
}

// lattice is the signed offset at a lattice corner. Plains and deserts are
// flatter than forests.
func (g *Generator) lattice(cx, cz int) int {
	amp := g.p.Amplitude
	switch g.Biome(cx*g.p.CellSize, cz*g.p.CellSize) {
	case BiomePlains:
		amp /= 2
	case BiomeDesert:
		amp /= 3
	}
	if amp == 0 {
		return 0
	}
	span := uint64(2*amp + 1)
	return int(Hash2(g.p.Seed, cx, cz)%span) - amp
}

// roundDiv divides rounding half up, for any sign of v.
func roundDiv(v, d int) int {
	return FloorDiv(2*v+d, 2*d)
}
