package lcm

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Distinguished state names spec.md §3.4 requires every group to carry:
// Off (the empty membership set) and Recovery (the set driven automatically
// when a group settles at undefined_state with no pending request). Startup
// is the state MainPG is driven to once at daemon boot (spec.md §4.8); it is
// only meaningful for the group named by ConfigRegistry.MainPG, but any group
// may declare it.
const (
	StateNameOff      = "Off"
	StateNameRecovery = "Recovery"
	StateNameStartup  = "Startup"
)

// GroupConfig is one configured process group's static shape: its member
// process configs, each member's declared dependency names, and its named
// States (spec.md §3.4: "a State of a group is a named subset of those
// nodes that must be running concurrently").
type GroupConfig struct {
	Name         string
	Processes    []*ProcessConfig
	Dependencies map[string][]string // process name -> dependency names, within the same group
	States       map[string][]string // state name -> member process names, within the same group
}

// ConfigRegistry is the concurrent, in-memory index of every configured
// process group, built once at boot from the loaded blob and never mutated
// afterward (spec.md §3: configuration loads once; no hot-reload).
//
// Grounded on internal/infrastructure/objectstore/objectstore.go's
// sorted-ID concurrent store, generalized from "int64 ID -> any" to
// "string group name -> *GroupConfig" since groups are addressed by name,
// not by a synthetic numeric ID, everywhere else in this package.
// Iteration is deterministic (ascending name) for the same reason the
// teacher's store keeps ids sorted: reproducible diagnostics output.
type ConfigRegistry struct {
	log *zap.Logger

	mu     sync.RWMutex
	names  []string
	byName map[string]*GroupConfig
	mainPG string
}

// NewConfigRegistry constructs an empty ConfigRegistry.
func NewConfigRegistry(log *zap.Logger) *ConfigRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConfigRegistry{
		log:    log,
		byName: make(map[string]*GroupConfig),
	}
}

// Upsert inserts or overwrites a group's configuration. Used only during
// the one-time load pass; no caller mutates a ConfigRegistry post-boot.
func (r *ConfigRegistry) Upsert(g *GroupConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[g.Name]; !exists {
		idx := sort.SearchStrings(r.names, g.Name)
		r.names = append(r.names, "")
		copy(r.names[idx+1:], r.names[idx:])
		r.names[idx] = g.Name
	}
	r.byName[g.Name] = g
}

// Get returns the named group's configuration, if present.
func (r *ConfigRegistry) Get(name string) (*GroupConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byName[name]
	return g, ok
}

// All returns every group's configuration, ordered by name.
func (r *ConfigRegistry) All() []*GroupConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*GroupConfig, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// SetMainPG records which group is MainPG: the group spec.md §4.8 drives to
// its Startup state once, at daemon boot, in place of every other group
// (which stay at Off until explicitly requested).
func (r *ConfigRegistry) SetMainPG(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mainPG = name
}

// MainPG returns the configured MainPG group name, or "" if none was set.
func (r *ConfigRegistry) MainPG() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mainPG
}

// Len returns the number of configured groups.
func (r *ConfigRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// ValidateDependencies checks that every process's declared dependencies
// refer to another process in the same group, and that the dependency
// graph within each group is acyclic (spec.md §3's "configuration load
// rejects a cyclic dependency graph"). Returns the first violation found.
func (r *ConfigRegistry) ValidateDependencies() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.names {
		g := r.byName[name]
		known := make(map[string]bool, len(g.Processes))
		for _, p := range g.Processes {
			known[p.Name] = true
		}
		for proc, deps := range g.Dependencies {
			for _, d := range deps {
				if !known[d] {
					return fmt.Errorf("config: group %q: process %q depends on unknown process %q", name, proc, d)
				}
			}
		}
		if cycle := findCycle(g.Dependencies); cycle != "" {
			return fmt.Errorf("config: group %q: dependency cycle through %q", name, cycle)
		}
		if err := validateStates(name, g, known); err != nil {
			return err
		}
	}
	return nil
}

// validateStates enforces spec.md §3.4's "distinguished Off state and
// distinguished Recovery state" and that every state's membership refers
// only to processes actually configured in the group.
func validateStates(group string, g *GroupConfig, known map[string]bool) error {
	if _, ok := g.States[StateNameOff]; !ok {
		return fmt.Errorf("config: group %q: missing distinguished state %q", group, StateNameOff)
	}
	if len(g.States[StateNameOff]) != 0 {
		return fmt.Errorf("config: group %q: state %q must be the empty membership set", group, StateNameOff)
	}
	if _, ok := g.States[StateNameRecovery]; !ok {
		return fmt.Errorf("config: group %q: missing distinguished state %q", group, StateNameRecovery)
	}
	for state, members := range g.States {
		for _, m := range members {
			if !known[m] {
				return fmt.Errorf("config: group %q: state %q references unknown process %q", group, state, m)
			}
		}
	}
	return nil
}

func findCycle(deps map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(n string) string
	visit = func(n string) string {
		color[n] = gray
		for _, d := range deps[n] {
			switch color[d] {
			case gray:
				return d
			case white:
				if c := visit(d); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}
	for n := range deps {
		if color[n] == white {
			if c := visit(n); c != "" {
				return c
			}
		}
	}
	return ""
}
