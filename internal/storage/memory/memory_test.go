package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokosumi/mcp-gateway/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(nil, 0)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &storage.Session{
		ID:                  "sess-1",
		ClientID:            "client-a",
		RedirectURI:         "https://client.example/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	// Get does not consume.
	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "client-a", got.ClientID)

	again, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)

	// Pop consumes.
	popped, err := s.PopSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "client-a", popped.ClientID)

	_, err = s.PopSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetSessionReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, &storage.Session{
		ID:        "sess-1",
		ClientID:  "client-a",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	got.ClientID = "mutated"

	fresh, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "client-a", fresh.ClientID)
}

func TestExpiredRecordsAreNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	current := now
	var mu sync.Mutex
	s.SetTimeFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	require.NoError(t, s.PutCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))
	require.NoError(t, s.PutRefreshToken(ctx, &storage.RefreshToken{
		Token:     "rt-1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	mu.Lock()
	current = now.Add(11 * time.Minute)
	mu.Unlock()

	_, err := s.PopCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.PopRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// Exactly one concurrent caller may win a Pop.
func TestPopCodeSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCode(ctx, &storage.AuthorizationCode{
		Code:      "contested",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.PopCode(ctx, "contested"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestPopRefreshTokenSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRefreshToken(ctx, &storage.RefreshToken{
		Token:     "contested",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.PopRefreshToken(ctx, "contested"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestDelegationPopIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDelegation(ctx, &storage.Delegation{
		State:        "state-1",
		SessionID:    "sess-1",
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	d, err := s.PopDelegation(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", d.SessionID)

	_, err = s.PopDelegation(ctx, "state-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepRemovesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.PutSession(ctx, &storage.Session{ID: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.PutSession(ctx, &storage.Session{ID: "dead", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.PutCode(ctx, &storage.AuthorizationCode{Code: "dead", ExpiresAt: now.Add(-time.Minute)}))

	require.NoError(t, s.Sweep(ctx))

	sessions, _, codes, _ := s.Counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 0, codes)
}

func TestOpportunisticSweepOnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCode(ctx, &storage.AuthorizationCode{
		Code:      "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	// Enough writes to trigger the periodic inline sweep.
	for i := 0; i < sweepEvery+1; i++ {
		require.NoError(t, s.PutSession(ctx, &storage.Session{
			ID:        "filler",
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	_, _, codes, _ := s.Counts()
	assert.Equal(t, 0, codes)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
