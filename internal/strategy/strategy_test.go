package strategy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcrew.ai/internal/protocol"
	"voxelcrew.ai/internal/terrain"
)

func TestRegistry_InitOnceAndOrder(t *testing.T) {
	r := NewRegistry()
	built := 0
	require.NoError(t, r.Register(Mining, "b", func() Capability { built++; return Grid{} }))
	require.NoError(t, r.Register(Mining, "a", func() Capability { built++; return Vertical{} }))
	assert.Error(t, r.Register(Mining, "a", func() Capability { return Vein{} }))
	assert.Empty(t, r.List(Mining), "nothing before Init")
	assert.Equal(t, []string{"b", "a"}, r.Names(Mining))

	require.NoError(t, r.Init())
	assert.Equal(t, 2, built)
	assert.ErrorIs(t, r.Init(), ErrInitialized)
	assert.ErrorIs(t, r.Register(Mining, "c", func() Capability { return Grid{} }), ErrInitialized)

	caps := r.List(Mining)
	require.Len(t, caps, 2)
	assert.Equal(t, GridName, caps[0].Name())
	assert.Equal(t, VerticalName, caps[1].Name())
	assert.Equal(t, 2, built, "List never reconstructs")
}

func TestBuiltin_Lookup(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	c, err := r.Lookup(Building, "")
	require.NoError(t, err)
	assert.Equal(t, SimpleHutName, c.Name())

	_, err = r.Lookup(Building, "castle")
	assert.ErrorIs(t, err, ErrUnknown)

	for _, name := range []string{GridName, VerticalName, VeinName} {
		_, err := r.Lookup(Mining, name)
		assert.NoError(t, err, name)
	}
	_, err = r.Lookup(Exploration, RadialScanName)
	assert.NoError(t, err)
}

func TestBlueprints_BOM(t *testing.T) {
	assert.Equal(t, map[string]int{"COBBLESTONE": 25, "WOOD_PLANKS": 58}, SimpleHut().BOM())
	assert.Equal(t, map[string]int{"STONE": 80, "TORCH": 4}, StoneTower().BOM())

	out, err := SimpleHut().Run(BuildInput{Site: protocol.Site{X: 1, Z: 2, Height: 64}})
	require.NoError(t, err)
	plan := out.(Plan)
	assert.Equal(t, SimpleHutName, plan.Blueprint)
	assert.Equal(t, []string{"floor", "walls", "roof"}, plan.Stages)
	assert.Equal(t, 64, plan.Site.Height)

	_, err = SimpleHut().Run("nope")
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestBlueprint_BOMOrderIndependent(t *testing.T) {
	a := NewBlueprint("x", Part{"1", "A", 3}, Part{"2", "B", 1}, Part{"3", "A", 2}, Part{"4", "C", 0})
	b := NewBlueprint("x", Part{"3", "A", 2}, Part{"2", "B", 1}, Part{"1", "A", 3})
	assert.Equal(t, a.BOM(), b.BOM())
	assert.Equal(t, map[string]int{"A": 5, "B": 1}, a.BOM())
}

func TestRadialScan_FlatTerrain(t *testing.T) {
	flat := func(x, z int) int { return 64 }
	out, err := RadialScan{}.Run(ExploreInput{CenterX: 10, CenterZ: -5, Range: 2, Sample: flat})
	require.NoError(t, err)
	res := out.(ExploreResult)
	assert.Equal(t, protocol.Point{X: 10, Y: 64, Z: -5}, res.Center)
	require.Len(t, res.Sites, 16)
	assert.Equal(t, protocol.Site{X: 8, Z: -7, Height: 64}, res.Sites[0])
	assert.Equal(t, protocol.Site{X: 8, Z: -6, Height: 64}, res.Sites[1])
}

func TestRadialScan_FootprintAndLimit(t *testing.T) {
	// A cliff along x >= 3.
	cliff := func(x, z int) int {
		if x >= 3 {
			return 70
		}
		return 64
	}
	res := RadialScan{}.Scan(ExploreInput{Range: 4, Footprint: 1, Sample: cliff})
	for _, s := range res.Sites {
		assert.Less(t, s.X, 2, "site %v touches the cliff", s)
		assert.Equal(t, 64, s.Height)
	}
	assert.NotEmpty(t, res.Sites)

	limited := RadialScan{}.Scan(ExploreInput{Range: 4, MaxSites: 3, Sample: cliff})
	assert.Len(t, limited.Sites, 3)

	centre := RadialScan{}.Scan(ExploreInput{CenterX: 1, Sample: cliff})
	assert.Len(t, centre.Sites, 1)

	_, err := RadialScan{}.Run(ExploreInput{Range: 1})
	assert.ErrorIs(t, err, ErrBadInput)
}

func sectors(t *testing.T, c Capability, in MineInput) []terrain.Sector {
	t.Helper()
	out, err := c.Run(in)
	require.NoError(t, err)
	return out.([]terrain.Sector)
}

func TestGrid_OrderAndRotation(t *testing.T) {
	o := terrain.Sector{X: 4, Z: 4}
	got := sectors(t, Grid{Radius: 1}, MineInput{Material: "STONE", Origin: o})
	require.Len(t, got, 9)
	assert.Equal(t, o, got[0])
	assert.Equal(t, terrain.Sector{X: 3, Z: 3}, got[1])

	rotated := sectors(t, Grid{Radius: 1}, MineInput{Material: "STONE", Origin: o, Attempt: 10})
	assert.Equal(t, got[1], rotated[0])
	assert.ElementsMatch(t, got, rotated)
}

func TestVertical_Line(t *testing.T) {
	got := sectors(t, Vertical{Length: 3}, MineInput{Origin: terrain.Sector{X: -1, Z: 2}})
	assert.Equal(t, []terrain.Sector{{X: -1, Z: 2}, {X: 0, Z: 2}, {X: 1, Z: 2}}, got)
}

func TestVein_FollowsDeposit(t *testing.T) {
	// Deposit runs along z=0 from x=0..3, plus an isolated pocket at (0,5).
	deposit := map[terrain.Sector]int{
		{X: 0, Z: 0}: 5, {X: 1, Z: 0}: 5, {X: 2, Z: 0}: 5, {X: 3, Z: 0}: 5,
		{X: 0, Z: 5}: 9,
	}
	stock := func(s terrain.Sector) int { return deposit[s] }
	got := sectors(t, Vein{MaxSectors: 10}, MineInput{Material: "IRON", Stock: stock})
	assert.Equal(t, []terrain.Sector{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 2, Z: 0}, {X: 3, Z: 0}}, got)

	capped := sectors(t, Vein{MaxSectors: 2}, MineInput{Material: "IRON", Stock: stock})
	assert.Len(t, capped, 2)

	ring := sectors(t, Vein{}, MineInput{Material: "IRON"})
	assert.Len(t, ring, 9)
	assert.Equal(t, terrain.Sector{}, ring[0])
}

func TestMining_BadInput(t *testing.T) {
	for _, c := range []Capability{Grid{}, Vertical{}, Vein{}} {
		_, err := c.Run(ExploreInput{})
		assert.True(t, errors.Is(err, ErrBadInput), c.Name())
	}
}
