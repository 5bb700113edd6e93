package lcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigRegistryUpsertKeepsNamesSorted(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{Name: "telemetry"})
	r.Upsert(&GroupConfig{Name: "diagnostics"})
	r.Upsert(&GroupConfig{Name: "core"})

	var names []string
	for _, g := range r.All() {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"core", "diagnostics", "telemetry"}, names)
	assert.Equal(t, 3, r.Len())
}

func TestConfigRegistryUpsertOverwritesExisting(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{Name: "core", Processes: []*ProcessConfig{{Name: "a"}}})
	r.Upsert(&GroupConfig{Name: "core", Processes: []*ProcessConfig{{Name: "a"}, {Name: "b"}}})

	g, ok := r.Get("core")
	require.True(t, ok)
	assert.Len(t, g.Processes, 2)
	assert.Equal(t, 1, r.Len())
}

func TestConfigRegistryValidateDependenciesRejectsUnknownProcess(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:         "core",
		Processes:    []*ProcessConfig{{Name: "a"}},
		Dependencies: map[string][]string{"a": {"ghost"}},
	})

	err := r.ValidateDependencies()
	assert.Error(t, err)
}

func TestConfigRegistryValidateDependenciesRejectsCycle(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:      "core",
		Processes: []*ProcessConfig{{Name: "a"}, {Name: "b"}},
		Dependencies: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	})

	err := r.ValidateDependencies()
	assert.Error(t, err)
}

func TestConfigRegistryValidateDependenciesAcceptsDAG(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:      "core",
		Processes: []*ProcessConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"a", "b"},
		},
		States: map[string][]string{
			StateNameOff:      {},
			StateNameRecovery: {"a"},
		},
	})

	assert.NoError(t, r.ValidateDependencies())
}

func TestConfigRegistryValidateDependenciesRejectsMissingDistinguishedStates(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:      "core",
		Processes: []*ProcessConfig{{Name: "a"}},
		States:    map[string][]string{},
	})

	err := r.ValidateDependencies()
	assert.ErrorContains(t, err, StateNameOff)
}

func TestConfigRegistryValidateDependenciesRejectsNonEmptyOff(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:      "core",
		Processes: []*ProcessConfig{{Name: "a"}},
		States: map[string][]string{
			StateNameOff:      {"a"},
			StateNameRecovery: {},
		},
	})

	err := r.ValidateDependencies()
	assert.Error(t, err)
}

func TestConfigRegistryValidateDependenciesRejectsUnknownStateMember(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	r.Upsert(&GroupConfig{
		Name:      "core",
		Processes: []*ProcessConfig{{Name: "a"}},
		States: map[string][]string{
			StateNameOff:      {},
			StateNameRecovery: {},
			"Startup":         {"ghost"},
		},
	})

	err := r.ValidateDependencies()
	assert.ErrorContains(t, err, "ghost")
}

func TestConfigRegistryMainPGDefaultsEmpty(t *testing.T) {
	r := NewConfigRegistry(zap.NewNop())
	assert.Equal(t, "", r.MainPG())
	r.SetMainPG("core")
	assert.Equal(t, "core", r.MainPG())
}
