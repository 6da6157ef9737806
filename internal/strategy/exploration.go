package strategy

import (
	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/terrain"
)

const RadialScanName = "radialscan"

type ExploreInput struct {
	CenterX, CenterZ int
	Range            int
	Footprint        int // half-width of the square every site must keep level
	Tolerance        int // max height difference from the centre; 0 means 1
	MaxSites         int // 0 means unlimited
	Sample           terrain.Sampler
}

type ExploreResult struct {
	Center protocol.Point
	Sites  []protocol.Site
}

// RadialScan samples the square [c-r, c+r) around the centre and keeps the
// positions level with the centre, including their footprint. Sites come out
// in scan order, x-major.
type RadialScan struct{}

func (RadialScan) Name() string { return RadialScanName }

func (s RadialScan) Run(input any) (any, error) {
	in, ok := input.(ExploreInput)
	if !ok {
		return nil, badInput(RadialScanName, input, "ExploreInput")
	}
	if in.Sample == nil {
		return nil, badInput(RadialScanName, nil, "a terrain sampler")
	}
	return s.Scan(in), nil
}

func (RadialScan) Scan(in ExploreInput) ExploreResult {
	tol := in.Tolerance
	if tol <= 0 {
		tol = 1
	}
	cy := in.Sample(in.CenterX, in.CenterZ)
	res := ExploreResult{Center: protocol.Point{X: in.CenterX, Y: cy, Z: in.CenterZ}}

	heights := map[[2]int]int{}
	height := func(x, z int) int {
		k := [2]int{x, z}
		if h, ok := heights[k]; ok {
			return h
		}
		h := in.Sample(x, z)
		heights[k] = h
		return h
	}
	level := func(x, z int) bool {
		for dx := -in.Footprint; dx <= in.Footprint; dx++ {
			for dz := -in.Footprint; dz <= in.Footprint; dz++ {
				if terrain.AbsInt(height(x+dx, z+dz)-cy) > tol {
					return false
				}
			}
		}
		return true
	}

	lo, hi := -in.Range, in.Range
	if in.Range <= 0 {
		lo, hi = 0, 1
	}
	for dx := lo; dx < hi; dx++ {
		for dz := lo; dz < hi; dz++ {
			x, z := in.CenterX+dx, in.CenterZ+dz
			if !level(x, z) {
				continue
			}
			res.Sites = append(res.Sites, protocol.Site{X: x, Z: z, Height: height(x, z)})
			if in.MaxSites > 0 && len(res.Sites) >= in.MaxSites {
				return res
			}
		}
	}
	return res
}
