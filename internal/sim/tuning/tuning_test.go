package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_RepoYAML(t *testing.T) {
	t.Setenv("VOXELCREW_JWT_SECRET", "s3cret")
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if tu.TickRateHz != 5 || tu.SectorSize != 8 {
		t.Fatalf("unexpected tick/sector: %+v", tu)
	}
	if tu.Control.JWTSecret != "s3cret" {
		t.Fatalf("env not expanded: %q", tu.Control.JWTSecret)
	}
	if len(tu.Coordinator.Substitutions) != 2 || tu.Coordinator.Substitutions[1].Ratio != 4 {
		t.Fatalf("substitutions: %+v", tu.Coordinator.Substitutions)
	}
	if tu.Terrain.Richness["TORCH"] != 2 {
		t.Fatalf("richness: %+v", tu.Terrain.Richness)
	}
}

func TestLoad_RepoTOML(t *testing.T) {
	tu, err := Load("../../../configs/tuning.toml")
	if err != nil {
		t.Fatalf("load tuning.toml: %v", err)
	}
	if tu.TickRateHz != 10 || tu.Seed != 7 || tu.SectorSize != 16 {
		t.Fatalf("top level: %+v", tu)
	}
	if tu.Terrain.Amplitude != 4 || tu.Terrain.CellSize != 16 {
		t.Fatalf("terrain defaults not kept: %+v", tu.Terrain)
	}
	if len(tu.Terrain.Richness) != 2 || tu.Terrain.Richness["STONE"] != 40 {
		t.Fatalf("richness should replace defaults and be upper-cased: %+v", tu.Terrain.Richness)
	}
	if tu.Coordinator.Blueprint != "stonetower" || tu.Gatherer.Strategy != "vein" {
		t.Fatalf("strategies: %+v %+v", tu.Coordinator, tu.Gatherer)
	}
	subs := tu.Coordinator.Substitutions
	if len(subs) != 1 || subs[0].For != "COBBLESTONE" || subs[0].Use != "STONE" || subs[0].Ratio != 1 {
		t.Fatalf("substitutions: %+v", subs)
	}
	if tu.Control.DedupeWindowMs != 1000 {
		t.Fatalf("dedupe default not applied: %d", tu.Control.DedupeWindowMs)
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	tu, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := tu.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if tu.Planner.Strategy != "radialscan" || tu.Gatherer.Strategy != "grid" {
		t.Fatalf("defaults: %+v", tu)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"rate.yaml":  "tick_rate_hz: 5000\n",
		"range.yaml": "planner:\n  range: 999\n",
		"subs.yaml":  "coordinator:\n  substitutions:\n    - {for: STONE, use: stone}\n",
		"bad.toml":   "tick_rate_hz = \"fast\"\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(p)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("%s: error should name the file: %v", name, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
