package strategy

import (
	"sort"

	"voxelcrew.ai/internal/terrain"
)

const (
	GridName     = "grid"
	VerticalName = "vertical"
	VeinName     = "vein"
)

type MineInput struct {
	Material string
	Origin   terrain.Sector
	// Attempt rotates the candidate list so a retry after contention starts
	// somewhere else.
	Attempt int
	// Stock reports how much material a sector still holds. Optional; vein
	// needs it to follow deposits.
	Stock func(s terrain.Sector) int
}

func mineInput(name string, input any) (MineInput, error) {
	in, ok := input.(MineInput)
	if !ok {
		return MineInput{}, badInput(name, input, "MineInput")
	}
	return in, nil
}

func rotate(ss []terrain.Sector, n int) []terrain.Sector {
	if len(ss) == 0 {
		return ss
	}
	n = terrain.Mod(n, len(ss))
	return append(append([]terrain.Sector(nil), ss[n:]...), ss[:n]...)
}

// Grid works the square of sectors within Radius of the origin, origin first
// and then row by row.
type Grid struct{ Radius int }

func (Grid) Name() string { return GridName }

func (g Grid) Run(input any) (any, error) {
	in, err := mineInput(GridName, input)
	if err != nil {
		return nil, err
	}
	out := []terrain.Sector{in.Origin}
	for dz := -g.Radius; dz <= g.Radius; dz++ {
		for dx := -g.Radius; dx <= g.Radius; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			out = append(out, in.Origin.Add(dx, dz))
		}
	}
	return rotate(out, in.Attempt), nil
}

// Vertical sinks a single shaft at the origin and, once that is exhausted,
// continues along a straight line of Length sectors.
type Vertical struct{ Length int }

func (Vertical) Name() string { return VerticalName }

func (v Vertical) Run(input any) (any, error) {
	in, err := mineInput(VerticalName, input)
	if err != nil {
		return nil, err
	}
	n := v.Length
	if n <= 0 {
		n = 1
	}
	out := make([]terrain.Sector, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, in.Origin.Add(i, 0))
	}
	return rotate(out, in.Attempt), nil
}

// Vein flood-fills from the origin through neighbouring sectors that still
// hold the material, nearest first. Without a stock function it degrades to a
// hash-ordered ring so different materials spread over different sectors.
type Vein struct{ MaxSectors int }

func (Vein) Name() string { return VeinName }

func (v Vein) Run(input any) (any, error) {
	in, err := mineInput(VeinName, input)
	if err != nil {
		return nil, err
	}
	limit := v.MaxSectors
	if limit <= 0 {
		limit = 8
	}
	if in.Stock == nil {
		return rotate(v.ring(in), in.Attempt), nil
	}

	seen := map[terrain.Sector]bool{in.Origin: true}
	queue := []terrain.Sector{in.Origin}
	var out []terrain.Sector
	for len(queue) > 0 && len(out) < limit {
		s := queue[0]
		queue = queue[1:]
		switch {
		case in.Stock(s) > 0:
			out = append(out, s)
		case s != in.Origin:
			continue
		}
		for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			n := s.Add(d[0], d[1])
			if seen[n] || n.Dist(in.Origin) > limit {
				continue
			}
			seen[n] = true
			queue = append(queue, n)
		}
	}
	return rotate(out, in.Attempt), nil
}

func (v Vein) ring(in MineInput) []terrain.Sector {
	out := []terrain.Sector{in.Origin}
	var rest []terrain.Sector
	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			if dx != 0 || dz != 0 {
				rest = append(rest, in.Origin.Add(dx, dz))
			}
		}
	}
	salt := int64(len(in.Material))
	for _, c := range in.Material {
		salt = salt*31 + int64(c)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return terrain.Hash2(salt, rest[i].X, rest[i].Z) < terrain.Hash2(salt, rest[j].X, rest[j].Z)
	})
	return append(out, rest...)
}
