// Package strategy holds the named, swappable capabilities workers consult:
// exploration (where to build), mining (where to dig) and building (what a
// blueprint costs).
//
// Constructors are registered up front; Init instantiates every capability
// exactly once. Workers look strategies up by name and never re-query the
// registry during a run.
package strategy

import (
	"errors"
	"fmt"
	"sync"
)

type Category string

const (
	Exploration Category = "exploration"
	Mining      Category = "mining"
	Building    Category = "building"
)

// Capability is a named strategy with a single entry point. Input and output
// types depend on the category (ExploreInput/[]protocol.Site,
// MineInput/[]terrain.Sector, BuildInput/Plan).
type Capability interface {
	Name() string
	Run(input any) (any, error)
}

type Constructor func() Capability

var (
	ErrUnknown     = errors.New("unknown strategy")
	ErrInitialized = errors.New("strategy registry already initialized")
	ErrBadInput    = errors.New("bad strategy input")
)

type entry struct {
	name string
	ctor Constructor
}

type Registry struct {
	mu     sync.RWMutex
	ctors  map[Category][]entry
	caps   map[Category][]Capability
	inited bool
}

func NewRegistry() *Registry {
	return &Registry{
		ctors: map[Category][]entry{},
		caps:  map[Category][]Capability{},
	}
}

// Register adds a constructor. Names are unique per category and
// registration closes once Init has run.
func (r *Registry) Register(cat Category, name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("register %s strategy: empty name or constructor", cat)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inited {
		return ErrInitialized
	}
	for _, e := range r.ctors[cat] {
		if e.name == name {
			return fmt.Errorf("register %s strategy %q: duplicate", cat, name)
		}
	}
	r.ctors[cat] = append(r.ctors[cat], entry{name: name, ctor: ctor})
	return nil
}

// Init builds every registered capability in registration order.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inited {
		return ErrInitialized
	}
	for cat, entries := range r.ctors {
		caps := make([]Capability, 0, len(entries))
		for _, e := range entries {
			c := e.ctor()
			if c == nil {
				return fmt.Errorf("init %s strategy %q: constructor returned nil", cat, e.name)
			}
			caps = append(caps, c)
		}
		r.caps[cat] = caps
	}
	r.inited = true
	return nil
}

// List returns the capabilities of a category in registration order. It is
// empty before Init.
func (r *Registry) List(cat Category) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Capability(nil), r.caps[cat]...)
}

// Lookup finds a capability by name. An empty name selects the first one
// registered.
func (r *Registry) Lookup(cat Category, name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := r.caps[cat]
	if name == "" && len(caps) > 0 {
		return caps[0], nil
	}
	for _, c := range caps {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q", ErrUnknown, cat, name)
}

// Names lists registered names per category, usable before Init.
func (r *Registry) Names(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors[cat]))
	for _, e := range r.ctors[cat] {
		out = append(out, e.name)
	}
	return out
}

// Builtin returns an initialized registry holding every built-in strategy.
func Builtin() (*Registry, error) {
	r := NewRegistry()
	regs := []struct {
		cat  Category
		name string
		ctor Constructor
	}{
		{Exploration, RadialScanName, func() Capability { return RadialScan{} }},
		{Mining, GridName, func() Capability { return Grid{Radius: 1} }},
		{Mining, VerticalName, func() Capability { return Vertical{Length: 6} }},
		{Mining, VeinName, func() Capability { return Vein{MaxSectors: 12} }},
		{Building, SimpleHutName, func() Capability { return SimpleHut() }},
		{Building, StoneTowerName, func() Capability { return StoneTower() }},
	}
	for _, e := range regs {
		if err := r.Register(e.cat, e.name, e.ctor); err != nil {
			return nil, err
		}
	}
	if err := r.Init(); err != nil {
		return nil, err
	}
	return r, nil
}

func badInput(name string, got any, want string) error {
	return fmt.Errorf("%w: %s wants %s, got %T", ErrBadInput, name, want, got)
}
