package terrain

import (
	"sync"
	"testing"
)

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{7, 4, 1, 3},
		{-1, 4, -1, 3},
		{-4, 4, -1, 0},
		{-5, 4, -2, 3},
		{0, 16, 0, 0},
	}
	for _, tc := range cases {
		if got := FloorDiv(tc.a, tc.b); got != tc.q {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", tc.a, tc.b, got, tc.q)
		}
		if got := Mod(tc.a, tc.b); got != tc.m {
			t.Fatalf("Mod(%d,%d)=%d want %d", tc.a, tc.b, got, tc.m)
		}
	}
}

func TestHeight_DeterministicAndBounded(t *testing.T) {
	p := DefaultParams()
	a := NewGenerator(p)
	b := NewGenerator(p)
	for x := -40; x <= 40; x += 3 {
		for z := -40; z <= 40; z += 5 {
			ha, hb := a.Height(x, z), b.Height(x, z)
			if ha != hb {
				t.Fatalf("height differs at %d,%d: %d vs %d", x, z, ha, hb)
			}
			if ha < p.BaseHeight-p.Amplitude || ha > p.BaseHeight+p.Amplitude {
				t.Fatalf("height %d out of range at %d,%d", ha, x, z)
			}
		}
	}
}

func TestHeight_FlatWithoutAmplitude(t *testing.T) {
	g := NewGenerator(Params{Seed: 9, BaseHeight: 70, CellSize: 8})
	sample := g.Sampler()
	for x := -10; x < 10; x++ {
		if h := sample(x, -x); h != 70 {
			t.Fatalf("expected flat 70, got %d at x=%d", h, x)
		}
	}
}

func TestHeight_SmoothAcrossCells(t *testing.T) {
	g := NewGenerator(Params{Seed: 42, BaseHeight: 64, Amplitude: 8, CellSize: 16})
	for x := -64; x < 64; x++ {
		d := g.Height(x+1, 3) - g.Height(x, 3)
		if AbsInt(d) > 2 {
			t.Fatalf("slope %d between x=%d and x=%d", d, x, x+1)
		}
	}
}

func TestSectorOf(t *testing.T) {
	if s := SectorOf(-1, 15, 8); s != (Sector{X: -1, Z: 1}) {
		t.Fatalf("got %v", s)
	}
	if s := SectorOf(0, 0, 0); s != (Sector{}) {
		t.Fatalf("size 0: got %v", s)
	}
	x, z := Sector{X: 2, Z: -1}.Center(8)
	if x != 20 || z != -4 {
		t.Fatalf("center got %d,%d", x, z)
	}
	if d := (Sector{X: 0, Z: 0}).Dist(Sector{X: -3, Z: 2}); d != 3 {
		t.Fatalf("dist got %d", d)
	}
}

func TestField_ExtractDepletes(t *testing.T) {
	f := NewField(DepositParams{Seed: 1, SectorSize: 8, Richness: map[string]int{"STONE": 40}})
	var s Sector
	for i := 0; i < 50; i++ {
		s = Sector{X: i, Z: 0}
		if f.Capacity(s, "STONE") > 0 {
			break
		}
	}
	capacity := f.Capacity(s, "STONE")
	if capacity == 0 {
		t.Fatalf("no stone found in 50 sectors")
	}
	got := f.Extract(s, "STONE", capacity+10)
	if got != capacity {
		t.Fatalf("extract got %d want %d", got, capacity)
	}
	if left := f.Available(s, "STONE"); left != 0 {
		t.Fatalf("expected depleted, %d left", left)
	}
	if again := f.Extract(s, "STONE", 5); again != 0 {
		t.Fatalf("depleted sector yielded %d", again)
	}
	if f.Mined()["STONE"] != capacity {
		t.Fatalf("mined total %v", f.Mined())
	}
}

func TestField_UnknownMaterialIsBarren(t *testing.T) {
	f := NewField(DefaultDepositParams())
	if got := f.Extract(Sector{}, "DIAMOND", 3); got != 0 {
		t.Fatalf("got %d diamonds", got)
	}
}

func TestField_ConcurrentExtractNeverOverdraws(t *testing.T) {
	f := NewField(DepositParams{Seed: 3, SectorSize: 8, Richness: map[string]int{"DIRT": 100}})
	s := Sector{X: 5, Z: 5}
	capacity := f.Capacity(s, "DIRT")

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := f.Extract(s, "DIRT", 7)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total > capacity {
		t.Fatalf("extracted %d from capacity %d", total, capacity)
	}
	if total != capacity && total != 32*7 {
		t.Fatalf("extracted %d, capacity %d", total, capacity)
	}
}
