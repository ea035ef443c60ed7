package engine

import (
	"testing"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/stretchr/testify/require"
)

func noopDecision(*domain.DerivedState) (ports.Decision, error) {
	return ports.Decision{Type: ports.DecisionComplete}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("orderFlow", 1, noopDecision))
	require.NoError(t, r.Register("orderFlow", 2, noopDecision))

	fn, ok := r.Lookup("orderFlow", 1)
	require.True(t, ok)
	require.NotNil(t, fn)

	_, ok = r.Lookup("orderFlow", 3)
	require.False(t, ok)
	_, ok = r.Lookup("unknown", 1)
	require.False(t, ok)
}

func TestRegisterRejectsDuplicateVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("orderFlow", 1, noopDecision))
	require.Error(t, r.Register("orderFlow", 1, noopDecision))
}

func TestRegisterValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("", 1, noopDecision))
	require.Error(t, r.Register("orderFlow", 0, noopDecision))
	require.Error(t, r.Register("orderFlow", 1, nil))
}

func TestLatestVersionTracksHighest(t *testing.T) {
	r := NewRegistry()

	_, ok := r.LatestVersion("orderFlow")
	require.False(t, ok)

	require.NoError(t, r.Register("orderFlow", 2, noopDecision))
	require.NoError(t, r.Register("orderFlow", 1, noopDecision))

	latest, ok := r.LatestVersion("orderFlow")
	require.True(t, ok)
	require.Equal(t, 2, latest, "registering an older version does not move latest back")
}
