package strategy

import (
	"sort"

	"voxelcrew.ai/internal/protocol"
)

const (
	SimpleHutName  = "simplehut"
	StoneTowerName = "stonetower"
)

// Part is one stage of a blueprint.
type Part struct {
	Stage    string
	Material string
	Count    int
}

type BuildInput struct {
	Site protocol.Site
}

// Plan is the output of a building strategy: the bill of materials for the
// blueprint at the given site.
type Plan struct {
	Blueprint string
	Site      protocol.Site
	Materials map[string]int
	Stages    []string
}

// Blueprint aggregates its parts into a bill of materials.
type Blueprint struct {
	name  string
	parts []Part
}

func NewBlueprint(name string, parts ...Part) Blueprint {
	return Blueprint{name: name, parts: append([]Part(nil), parts...)}
}

func SimpleHut() Blueprint {
	return NewBlueprint(SimpleHutName,
		Part{Stage: "floor", Material: "COBBLESTONE", Count: 25},
		Part{Stage: "walls", Material: "WOOD_PLANKS", Count: 46},
		Part{Stage: "roof", Material: "WOOD_PLANKS", Count: 12},
	)
}

// StoneTower is ten hollow 3x3 rings capped with torches.
func StoneTower() Blueprint {
	parts := make([]Part, 0, 11)
	for i := 0; i < 10; i++ {
		parts = append(parts, Part{Stage: "ring", Material: "STONE", Count: 8})
	}
	parts = append(parts, Part{Stage: "crown", Material: "TORCH", Count: 4})
	return NewBlueprint(StoneTowerName, parts...)
}

func (b Blueprint) Name() string { return b.name }

// BOM sums part counts per material. The result does not depend on part
// order.
func (b Blueprint) BOM() map[string]int {
	out := map[string]int{}
	for _, p := range b.parts {
		if p.Count > 0 {
			out[p.Material] += p.Count
		}
	}
	return out
}

func (b Blueprint) Run(input any) (any, error) {
	in, ok := input.(BuildInput)
	if !ok {
		return nil, badInput(b.name, input, "BuildInput")
	}
	var stages []string
	seen := map[string]bool{}
	for _, p := range b.parts {
		if !seen[p.Stage] {
			seen[p.Stage] = true
			stages = append(stages, p.Stage)
		}
	}
	return Plan{Blueprint: b.name, Site: in.Site, Materials: b.BOM(), Stages: stages}, nil
}

// SortedMaterials returns the keys of m in name order.
func SortedMaterials(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
