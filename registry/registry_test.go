package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

func sampleDescriptor(id string) moecore.ExpertDescriptor {
	return moecore.ExpertDescriptor{
		ID:          id,
		DisplayName: "Expert " + id,
		CapabilityTags: map[string]struct{}{
			"weather": {},
		},
		KeywordTriggers: map[string]struct{}{
			"weather": {},
		},
		CostClass: moecore.CostNormal,
		TimeoutMS: 5000,
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New(nil)

	err := r.Register(sampleDescriptor("weather-expert"))
	require.NoError(t, err)

	d, ok := r.Lookup("weather-expert")
	require.True(t, ok)
	assert.Equal(t, "weather-expert", d.ID)
	assert.True(t, d.HasCapability("weather"))
	assert.False(t, d.HasCapability("news"))
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleDescriptor("dup")))

	err := r.Register(sampleDescriptor("dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, moecore.ErrDuplicateExpertID)
}

func TestRegistry_InvalidDescriptor(t *testing.T) {
	r := New(nil)
	bad := sampleDescriptor("")

	err := r.Register(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, moecore.ErrInvalidDescriptor)
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := New(nil)
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistry_Snapshot_SortedAndIsolated(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleDescriptor("zeta")))
	require.NoError(t, r.Register(sampleDescriptor("alpha")))
	require.NoError(t, r.Register(sampleDescriptor("mu")))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	require.NoError(t, r.Register(sampleDescriptor("new")))
	assert.Len(t, snap, 3, "previously taken snapshot must not observe later writes")
}

func TestRegistry_Deregister(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleDescriptor("transient")))
	assert.Equal(t, 1, r.Len())

	r.Deregister("transient")
	assert.Equal(t, 0, r.Len())

	_, ok := r.Lookup("transient")
	assert.False(t, ok)
}

func TestRegistry_EmptySnapshot(t *testing.T) {
	r := New(nil)
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, r.Len())
}
