package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/credential"
	"github.com/ParleSec/casproxy/internal/logger"
)

func newTestStore(t *testing.T) (*Store, *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	factory := func() (*cas.Session, error) {
		built.Add(1)
		return cas.NewSession(cas.SessionOptions{Timeout: time.Second})
	}
	return NewStore(factory, logger.Nop()), &built
}

func TestGetOrCreate_ReturnsSameAccount(t *testing.T) {
	store, built := newTestStore(t)

	a1, err := store.GetOrCreate("alice")
	require.NoError(t, err)
	a2, err := store.GetOrCreate("alice")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int32(1), built.Load())
	assert.False(t, a1.HasVerifier())
}

func TestGetOrCreate_EmptyIdentifier(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetOrCreate("")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
	assert.Equal(t, 0, store.Len())
}

func TestGetOrCreate_FactoryError(t *testing.T) {
	errBoom := errors.New("boom")
	store := NewStore(func() (*cas.Session, error) { return nil, errBoom }, logger.Nop())

	_, err := store.GetOrCreate("alice")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, store.Len())
}

func TestGetOrCreate_ConcurrentFirstRequests(t *testing.T) {
	store, built := newTestStore(t)

	const workers = 32
	accounts := make([]*Account, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := store.GetOrCreate("alice")
			assert.NoError(t, err)
			accounts[i] = a
		}(i)
	}
	wg.Wait()

	for _, a := range accounts {
		assert.Same(t, accounts[0], a)
	}
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int32(1), built.Load())
}

func TestLock_SerializesSameAccount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := store.Acquire(ctx, "alice")
			if !assert.NoError(t, err) {
				return
			}
			defer l.Unlock()

			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestLock_DifferentAccountsDoNotBlock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	alice, err := store.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer alice.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	bob, err := store.Acquire(ctx, "bob")
	require.NoError(t, err)
	bob.Unlock()
}

func TestLock_RespectsContext(t *testing.T) {
	store, _ := newTestStore(t)

	held, err := store.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocked_CommitSwapsPair(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	l, err := store.Acquire(ctx, "alice")
	require.NoError(t, err)
	original := l.Session()
	require.NotNil(t, original)
	assert.Nil(t, l.Verifier())

	candidate, err := l.NewSession()
	require.NoError(t, err)
	assert.NotSame(t, original, candidate)
	// not visible before commit
	assert.Same(t, original, l.Session())

	v, err := credential.NewHasher(16).New("pw1")
	require.NoError(t, err)
	l.Commit(v, candidate)
	l.Unlock()
	l.Unlock()

	l, err = store.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer l.Unlock()
	assert.Same(t, candidate, l.Session())
	assert.True(t, l.Verifier().Matches("pw1"))

	a, ok := store.Get("alice")
	require.True(t, ok)
	assert.True(t, a.HasVerifier())
}

func TestForget(t *testing.T) {
	store, built := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreate("alice")
	require.NoError(t, err)

	require.NoError(t, store.Forget(ctx, "alice"))
	assert.Equal(t, 0, store.Len())
	require.NoError(t, store.Forget(ctx, "nobody"))

	second, err := store.GetOrCreate("alice")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), built.Load())
}

func TestAcquire_SkipsForgottenAccount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	held, err := store.Acquire(ctx, "alice")
	require.NoError(t, err)
	stale, _ := store.Get("alice")

	got := make(chan *Locked, 1)
	go func() {
		l, err := store.Acquire(ctx, "alice")
		assert.NoError(t, err)
		got <- l
	}()

	// simulate a Forget that completed while the waiter was queued
	store.mu.Lock()
	delete(store.accounts, "alice")
	store.mu.Unlock()
	stale.removed = true
	held.Unlock()

	l := <-got
	defer l.Unlock()
	fresh, ok := store.Get("alice")
	require.True(t, ok)
	assert.NotSame(t, stale, fresh)
	assert.Same(t, fresh, l.account)
}
