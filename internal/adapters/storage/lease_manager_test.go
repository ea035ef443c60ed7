package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/keel/internal/adapters/memory"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestLeaseManager(t *testing.T) *LeaseManager {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })
	return NewLeaseManager(store, nil)
}

func TestLeaseMutualExclusion(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-1")

	record, acquired, err := leases.TryAcquire(key, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, "node-a", record.Owner)
	require.Equal(t, int64(1), record.Generation)

	held, acquired, err := leases.TryAcquire(key, "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Equal(t, "node-a", held.Owner)
}

func TestLeaseTakeoverAfterExpiryBumpsGeneration(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-2")

	first, acquired, err := leases.TryAcquire(key, "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	second, acquired, err := leases.TryAcquire(key, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Equal(t, "node-b", second.Owner)
	require.Greater(t, second.Generation, first.Generation)
}

func TestLeaseRenew(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-3")

	_, acquired, err := leases.TryAcquire(key, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	renewed, err := leases.Renew(key, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, renewed.ExpiresAt.After(time.Now()))

	_, err = leases.Renew(key, "node-b", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	_, err = leases.Renew(leases.Key("execution", "missing"), "node-a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseNotFound)
}

func TestLeaseRenewAfterExpiryFails(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-4")

	_, acquired, err := leases.TryAcquire(key, "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = leases.Renew(key, "node-a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseExpired,
		"an expired owner must re-acquire and take a new fencing token")
}

func TestLeaseFencingRejectsDeposedOwner(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-5")

	old, acquired, err := leases.TryAcquire(key, "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	current, acquired, err := leases.TryAcquire(key, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	now := time.Now().UTC()
	require.ErrorIs(t, current.VerifyFence("node-a", old.Generation, now), domain.ErrFenceRejected)
	require.NoError(t, current.VerifyFence("node-b", current.Generation, now))
}

func TestLeaseGenerationSurvivesRelease(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-6")

	first, acquired, err := leases.TryAcquire(key, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, leases.Release(key, "node-a"))

	second, acquired, err := leases.TryAcquire(key, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Greater(t, second.Generation, first.Generation,
		"release must not reset the fencing token sequence")
}

func TestLeaseConcurrentAcquireSingleWinner(t *testing.T) {
	leases := newTestLeaseManager(t)
	key := leases.Key("execution", "exec-7")

	const contenders = 16
	var wg sync.WaitGroup
	winners := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := string(rune('a' + n))
			_, acquired, err := leases.TryAcquire(key, owner, time.Minute)
			require.NoError(t, err)
			if acquired {
				winners <- owner
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for owner := range winners {
		won = append(won, owner)
	}
	require.Len(t, won, 1)
}
