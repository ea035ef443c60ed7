package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/stretchr/testify/require"
)

func TestVersionedPutSemantics(t *testing.T) {
	store := NewStore()
	defer store.Close()

	require.NoError(t, store.Put("k", []byte("v1"), 1))

	err := store.Put("k", []byte("dup"), 1)
	require.Error(t, err)
	require.True(t, domain.IsVersionMismatch(err))

	require.NoError(t, store.Put("k", []byte("v2"), 2))

	value, version, exists, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []byte("v2"), value)
	require.Equal(t, int64(2), version)

	require.NoError(t, store.Put("k", []byte("v3"), 0), "version 0 writes blindly")
	_, version, _, err = store.Get("k")
	require.NoError(t, err)
	require.Equal(t, int64(3), version)
}

func TestCreateRequiresVersionOne(t *testing.T) {
	store := NewStore()
	defer store.Close()

	err := store.Put("missing", []byte("v"), 5)
	require.True(t, domain.IsVersionMismatch(err))
}

func TestConcurrentCreateExactlyOneWinner(t *testing.T) {
	store := NewStore()
	defer store.Close()

	const writers = 32
	var wg sync.WaitGroup
	wins := make(chan int, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.Put("contested", []byte(fmt.Sprintf("w%d", n)), 1); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for n := range wins {
		winners = append(winners, n)
	}
	require.Len(t, winners, 1)
}

func TestTransactionCommitsAtomically(t *testing.T) {
	store := NewStore()
	defer store.Close()

	require.NoError(t, store.Put("a", []byte("1"), 1))

	err := store.RunInTransaction(func(tx ports.Transaction) error {
		value, version, exists, err := tx.Get("a")
		require.NoError(t, err)
		require.True(t, exists)
		require.Equal(t, []byte("1"), value)

		if err := tx.Put("a", []byte("2"), version+1); err != nil {
			return err
		}
		return tx.Put("b", []byte("new"), 1)
	})
	require.NoError(t, err)

	value, _, _, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	_, _, exists, err := store.Get("b")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestTransactionErrorDiscardsWrites(t *testing.T) {
	store := NewStore()
	defer store.Close()

	err := store.RunInTransaction(func(tx ports.Transaction) error {
		require.NoError(t, tx.Put("ghost", []byte("x"), 1))
		return fmt.Errorf("callback failed")
	})
	require.Error(t, err)

	exists, err := store.Exists("ghost")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTransactionVersionConflictAborts(t *testing.T) {
	store := NewStore()
	defer store.Close()

	require.NoError(t, store.Put("row", []byte("base"), 1))

	err := store.RunInTransaction(func(tx ports.Transaction) error {
		require.NoError(t, tx.Put("keep", []byte("x"), 1))
		return tx.Put("row", []byte("stale"), 1)
	})
	require.True(t, domain.IsVersionMismatch(err))
}

func TestPrefixIterationIsOrdered(t *testing.T) {
	store := NewStore()
	defer store.Close()

	for _, key := range []string{"p:03", "p:01", "p:02", "q:01"} {
		require.NoError(t, store.Put(key, []byte(key), 1))
	}

	key, _, exists, err := store.GetNext("p:")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "p:01", key)

	key, _, exists, err = store.GetNextAfter("p:", "p:01")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "p:02", key)

	count, err := store.CountPrefix("p:")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	rows, err := store.ListByPrefix("p:")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "p:01", rows[0].Key)
	require.Equal(t, "p:03", rows[2].Key)
}

func TestAtomicIncrement(t *testing.T) {
	store := NewStore()
	defer store.Close()

	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := store.AtomicIncrement("seq")
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	next, err := store.AtomicIncrement("seq")
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker+1), next)
}

func TestSubscribeReceivesPrefixedEvents(t *testing.T) {
	store := NewStore()
	defer store.Close()

	events, unsubscribe, err := store.Subscribe("watch:")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, store.Put("watch:1", []byte("x"), 1))
	require.NoError(t, store.Put("other:1", []byte("x"), 1))

	select {
	case event := <-events:
		require.Equal(t, "watch:1", event.Key)
		require.Equal(t, ports.StoragePut, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a storage event")
	}

	select {
	case event := <-events:
		t.Fatalf("unexpected event for key %s", event.Key)
	case <-time.After(50 * time.Millisecond):
	}
}
