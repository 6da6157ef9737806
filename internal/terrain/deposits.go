package terrain

import (
	"sort"
	"sync"
)

type DepositParams struct {
	Seed            int64
	SectorSize      int
	BiomeRegionSize int
	// Richness is the mean yield of one sector per material. Materials not
	// listed cannot be mined anywhere.
	Richness map[string]int
	// BarrenPermille is the chance a sector holds none of a material.
	BarrenPermille int
}

func DefaultDepositParams() DepositParams {
	return DepositParams{
		Seed:            1337,
		SectorSize:      8,
		BiomeRegionSize: 64,
		Richness: map[string]int{
			"STONE":       24,
			"COBBLESTONE": 16,
			"WOOD":        6,
			"WOOD_PLANKS": 12,
			"DIRT":        20,
			"SAND":        14,
			"TORCH":       2,
		},
		BarrenPermille: 150,
	}
}

// biomeScale adjusts yields per biome, in permille.
var biomeScale = map[string]map[string]int{
	BiomeForest: {"WOOD": 2000, "WOOD_PLANKS": 1500, "SAND": 300},
	BiomeDesert: {"WOOD": 200, "WOOD_PLANKS": 300, "SAND": 2500, "DIRT": 400},
	BiomePlains: {"DIRT": 1500},
}

type depositKey struct {
	sector   Sector
	material string
}

// Field tracks what has been taken out of each sector. Capacity is derived
// from the seed on demand, so only mined sectors cost memory.
type Field struct {
	p DepositParams

	mu    sync.Mutex
	mined map[depositKey]int
}

func NewField(p DepositParams) *Field {
	if p.SectorSize <= 0 {
		p.SectorSize = 1
	}
	p.BarrenPermille = ClampPermille(p.BarrenPermille)
	rich := make(map[string]int, len(p.Richness))
	for k, v := range p.Richness {
		rich[k] = v
	}
	p.Richness = rich
	return &Field{p: p, mined: map[depositKey]int{}}
}

func (f *Field) SectorSize() int { return f.p.SectorSize }

// Capacity is the untouched yield of material in s.
func (f *Field) Capacity(s Sector, material string) int {
	base := f.p.Richness[material]
	if base <= 0 {
		return 0
	}
	salt := nameSalt(material)
	h := Hash3(f.p.Seed, s.X, salt, s.Z)
	if h%1000 < uint64(f.p.BarrenPermille) {
		return 0
	}
	// 50%..150% of the mean.
	v := base * (500 + int((h>>10)%1001)) / 1000

	x, z := s.Center(f.p.SectorSize)
	if scale, ok := biomeScale[BiomeAt(f.p.Seed, x, z, f.p.BiomeRegionSize)][material]; ok {
		v = v * scale / 1000
	}
	if InCluster(f.p.Seed+int64(salt), s.X, s.Z, 8, 2, 350) {
		v *= 2
	}
	return v
}

// Available is what is left of material in s.
func (f *Field) Available(s Sector, material string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available(s, material)
}

func (f *Field) available(s Sector, material string) int {
	left := f.Capacity(s, material) - f.mined[depositKey{s, material}]
	if left < 0 {
		return 0
	}
	return left
}

// Extract takes up to want units of material from s and returns how many
// were taken.
func (f *Field) Extract(s Sector, material string, want int) int {
	if want <= 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	got := f.available(s, material)
	if got > want {
		got = want
	}
	if got > 0 {
		f.mined[depositKey{s, material}] += got
	}
	return got
}

// Mined totals extraction per material.
func (f *Field) Mined() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for k, n := range f.mined {
		out[k.material] += n
	}
	return out
}

// Materials lists the minable materials in name order.
func (f *Field) Materials() []string {
	out := make([]string, 0, len(f.p.Richness))
	for m, v := range f.p.Richness {
		if v > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
