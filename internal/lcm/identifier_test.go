package lcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierStableAcrossCalls(t *testing.T) {
	a := NewIdentifier("MainPG/Startup/watchdogd")
	b := NewIdentifier("MainPG/Startup/watchdogd")
	assert.Equal(t, a, b)

	c := NewIdentifier("MainPG/Startup/other")
	assert.NotEqual(t, a, c)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	id, err := r.Register("MainPG/Startup/watchdogd")
	require.NoError(t, err)

	id2, err := r.Register("MainPG/Startup/watchdogd")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	path, ok := r.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, "MainPG/Startup/watchdogd", path)

	_, ok = r.Lookup(Identifier(0xdeadbeef))
	assert.False(t, ok)
}

func TestRegistryIdempotentForSamePath(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		_, err := r.Register("MainPG/foo")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, len(r.byHash))
}
