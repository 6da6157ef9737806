package tuning

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz int   `yaml:"tick_rate_hz" toml:"tick_rate_hz"`
	Seed       int64 `yaml:"seed" toml:"seed"`
	SectorSize int   `yaml:"sector_size" toml:"sector_size"`

	Terrain     Terrain     `yaml:"terrain" toml:"terrain"`
	Planner     Planner     `yaml:"planner" toml:"planner"`
	Coordinator Coordinator `yaml:"coordinator" toml:"coordinator"`
	Gatherer    Gatherer    `yaml:"gatherer" toml:"gatherer"`
	Audit       Audit       `yaml:"audit" toml:"audit"`
	Control     Control     `yaml:"control" toml:"control"`
}

type Terrain struct {
	BaseHeight      int            `yaml:"base_height" toml:"base_height"`
	Amplitude       int            `yaml:"amplitude" toml:"amplitude"`
	CellSize        int            `yaml:"cell_size" toml:"cell_size"`
	BiomeRegionSize int            `yaml:"biome_region_size" toml:"biome_region_size"`
	BarrenPermille  int            `yaml:"barren_permille" toml:"barren_permille"`
	Richness        map[string]int `yaml:"richness" toml:"richness"`
}

type Planner struct {
	Strategy  string `yaml:"strategy" toml:"strategy"`
	CenterX   int    `yaml:"center_x" toml:"center_x"`
	CenterZ   int    `yaml:"center_z" toml:"center_z"`
	Range     int    `yaml:"range" toml:"range"`
	Footprint int    `yaml:"footprint" toml:"footprint"`
	MaxSites  int    `yaml:"max_sites" toml:"max_sites"`
}

type Coordinator struct {
	Blueprint        string         `yaml:"blueprint" toml:"blueprint"`
	MaxRequestRounds int            `yaml:"max_request_rounds" toml:"max_request_rounds"`
	Substitutions    []Substitution `yaml:"substitutions" toml:"substitutions"`
}

// Substitution lets one unit of Use stand in for Ratio units of For.
type Substitution struct {
	For   string `yaml:"for" toml:"for"`
	Use   string `yaml:"use" toml:"use"`
	Ratio int    `yaml:"ratio" toml:"ratio"`
}

type Gatherer struct {
	Strategy   string `yaml:"strategy" toml:"strategy"`
	MaxSectors int    `yaml:"max_sectors" toml:"max_sectors"`
}

type Audit struct {
	// Dir receives hourly audit-*.jsonl.zst files; empty disables them.
	Dir string `yaml:"dir" toml:"dir"`
	// Index is a sqlite path for the queryable audit index; empty disables it.
	Index string `yaml:"index" toml:"index"`
}

type Control struct {
	Addr           string `yaml:"addr" toml:"addr"`
	JWTSecret      string `yaml:"jwt_secret" toml:"jwt_secret"`
	DedupeWindowMs int    `yaml:"dedupe_window_ms" toml:"dedupe_window_ms"`
	StreamBuffer   int    `yaml:"stream_buffer" toml:"stream_buffer"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 5,
		Seed:       1337,
		SectorSize: 8,
		Terrain: Terrain{
			BaseHeight:      64,
			Amplitude:       6,
			CellSize:        16,
			BiomeRegionSize: 64,
			BarrenPermille:  150,
			Richness: map[string]int{
				"STONE":       24,
				"COBBLESTONE": 16,
				"WOOD":        6,
				"WOOD_PLANKS": 12,
				"DIRT":        20,
				"SAND":        14,
				"TORCH":       2,
			},
		},
		Planner: Planner{
			Strategy:  "radialscan",
			Range:     10,
			Footprint: 2,
			MaxSites:  32,
		},
		Coordinator: Coordinator{
			Blueprint:        "simplehut",
			MaxRequestRounds: 5,
			Substitutions: []Substitution{
				{For: "COBBLESTONE", Use: "STONE", Ratio: 1},
				{For: "WOOD_PLANKS", Use: "WOOD", Ratio: 4},
			},
		},
		Gatherer: Gatherer{
			Strategy:   "grid",
			MaxSectors: 9,
		},
		Control: Control{
			Addr:           ":8080",
			DedupeWindowMs: 1000,
			StreamBuffer:   256,
		},
	}
}

// Load reads a YAML file, or TOML when the extension is .toml, over the
// defaults. ${VAR} references are expanded from the environment first. An
// empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	name := filepath.Base(path)
	text := expandEnvVars(string(raw))
	// A richness table in the file replaces the default one instead of
	// merging into it.
	t.Terrain.Richness = nil
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(text, &t); err != nil {
			return t, fmt.Errorf("%s: %w", name, err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &t); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Normalize fills zero values with defaults and canonicalizes names.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if t.TickRateHz == 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.SectorSize == 0 {
		t.SectorSize = d.SectorSize
	}
	if t.Terrain.CellSize == 0 {
		t.Terrain.CellSize = d.Terrain.CellSize
	}
	if t.Terrain.BiomeRegionSize == 0 {
		t.Terrain.BiomeRegionSize = d.Terrain.BiomeRegionSize
	}
	if len(t.Terrain.Richness) == 0 {
		t.Terrain.Richness = d.Terrain.Richness
	}
	rich := make(map[string]int, len(t.Terrain.Richness))
	for m, v := range t.Terrain.Richness {
		rich[material(m)] = v
	}
	t.Terrain.Richness = rich

	t.Planner.Strategy = strings.ToLower(strings.TrimSpace(t.Planner.Strategy))
	if t.Planner.Strategy == "" {
		t.Planner.Strategy = d.Planner.Strategy
	}
	t.Coordinator.Blueprint = strings.ToLower(strings.TrimSpace(t.Coordinator.Blueprint))
	if t.Coordinator.Blueprint == "" {
		t.Coordinator.Blueprint = d.Coordinator.Blueprint
	}
	for i := range t.Coordinator.Substitutions {
		s := &t.Coordinator.Substitutions[i]
		s.For, s.Use = material(s.For), material(s.Use)
		if s.Ratio == 0 {
			s.Ratio = 1
		}
	}
	t.Gatherer.Strategy = strings.ToLower(strings.TrimSpace(t.Gatherer.Strategy))
	if t.Gatherer.Strategy == "" {
		t.Gatherer.Strategy = d.Gatherer.Strategy
	}
	if t.Gatherer.MaxSectors == 0 {
		t.Gatherer.MaxSectors = d.Gatherer.MaxSectors
	}
	if strings.TrimSpace(t.Control.Addr) == "" {
		t.Control.Addr = d.Control.Addr
	}
	if t.Control.DedupeWindowMs == 0 {
		t.Control.DedupeWindowMs = d.Control.DedupeWindowMs
	}
	if t.Control.StreamBuffer == 0 {
		t.Control.StreamBuffer = d.Control.StreamBuffer
	}
}

func material(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func (t Tuning) Validate() error {
	if t.TickRateHz < 1 || t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in [1,1000], got %d", t.TickRateHz)
	}
	if t.SectorSize < 1 {
		return fmt.Errorf("sector_size must be positive, got %d", t.SectorSize)
	}
	if t.Terrain.Amplitude < 0 {
		return fmt.Errorf("terrain.amplitude must not be negative")
	}
	if t.Terrain.CellSize < 1 {
		return fmt.Errorf("terrain.cell_size must be positive")
	}
	if t.Terrain.BarrenPermille < 0 || t.Terrain.BarrenPermille > 1000 {
		return fmt.Errorf("terrain.barren_permille must be in [0,1000]")
	}
	for m, v := range t.Terrain.Richness {
		if m == "" || v < 0 {
			return fmt.Errorf("terrain.richness: bad entry %q=%d", m, v)
		}
	}
	if t.Planner.Range < 0 || t.Planner.Range > 256 {
		return fmt.Errorf("planner.range must be in [0,256], got %d", t.Planner.Range)
	}
	if t.Planner.Footprint < 0 || t.Planner.MaxSites < 0 {
		return fmt.Errorf("planner.footprint and planner.max_sites must not be negative")
	}
	if t.Coordinator.MaxRequestRounds < 0 {
		return fmt.Errorf("coordinator.max_request_rounds must not be negative")
	}
	for i, s := range t.Coordinator.Substitutions {
		if s.For == "" || s.Use == "" || s.For == s.Use {
			return fmt.Errorf("coordinator.substitutions[%d]: for and use must be distinct materials", i)
		}
		if s.Ratio < 1 {
			return fmt.Errorf("coordinator.substitutions[%d]: ratio must be positive", i)
		}
	}
	if t.Gatherer.MaxSectors < 1 {
		return fmt.Errorf("gatherer.max_sectors must be positive")
	}
	if t.Control.DedupeWindowMs < 0 || t.Control.StreamBuffer < 0 {
		return fmt.Errorf("control.dedupe_window_ms and control.stream_buffer must not be negative")
	}
	return nil
}
