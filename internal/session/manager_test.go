package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eversaid/wrapper/internal/config"
	"github.com/eversaid/wrapper/internal/coreapi"
	inats "github.com/eversaid/wrapper/internal/nats"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]Session)}
}

func (r *memRepo) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memRepo) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) UpdateTokens(_ context.Context, id, access, refresh string, exp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.AccessToken, s.RefreshToken, s.TokenExpiresAt = access, refresh, exp
	r.sessions[id] = s
	return nil
}

func (r *memRepo) Replace(_ context.Context, oldID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, oldID)
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// racingRepo runs race once, right after the first Get, to simulate another
// request changing the row while this one waits on the refresh lock.
type racingRepo struct {
	*memRepo
	once sync.Once
	race func(r *memRepo)
}

func (r *racingRepo) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.memRepo.Get(ctx, id)
	r.once.Do(func() { r.race(r.memRepo) })
	return s, err
}

type fakeGate struct {
	wait  int
	err   error
	calls atomic.Int32
}

func (g *fakeGate) AllowIssue(_ context.Context, _ string) (int, error) {
	g.calls.Add(1)
	return g.wait, g.err
}

type fakeTokens struct {
	registers atomic.Int32
	logins    atomic.Int32
	refreshes atomic.Int32

	refreshDelay time.Duration
	registerErr  error
	refreshErr   error
}

func (f *fakeTokens) Register(_ context.Context, email, password string) error {
	f.registers.Add(1)
	if !strings.HasPrefix(email, "anon-") || len(password) < 32 {
		return &coreapi.APIError{StatusCode: http.StatusUnprocessableEntity, Body: "bad identity"}
	}
	return f.registerErr
}

func (f *fakeTokens) Login(_ context.Context, email, _ string) (*coreapi.Tokens, error) {
	n := f.logins.Add(1)
	return &coreapi.Tokens{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		TokenType:    "bearer",
	}, nil
}

func (f *fakeTokens) Refresh(_ context.Context, refreshToken string) (*coreapi.Tokens, error) {
	n := f.refreshes.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &coreapi.Tokens{
		AccessToken:  fmt.Sprintf("access-r%d", n),
		RefreshToken: refreshToken + "-next",
		ExpiresIn:    int64((24 * time.Hour).Seconds()),
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []inats.SessionEvent
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, e inats.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		Duration:         7 * 24 * time.Hour,
		TokenTTL:         7 * 24 * time.Hour,
		RefreshThreshold: time.Hour,
		LockTTL:          5 * time.Second,
	}
}

func setupManager(t *testing.T, tokens *fakeTokens, opts ...Option) (*Manager, *memRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := newMemRepo()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewManager(repo, tokens, NewRedisLocker(client), testSessionConfig(), opts...), repo, mr
}

func newLockerT(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client)
}

func seed(t *testing.T, repo *memRepo, tokenExpiresAt, expiresAt time.Time) *Session {
	t.Helper()
	s := &Session{
		ID:             "existing",
		CoreAPIEmail:   syntheticEmail("existing"),
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		TokenExpiresAt: tokenExpiresAt,
		CreatedAt:      testNow.Add(-24 * time.Hour),
		ExpiresAt:      expiresAt,
		IPAddress:      "10.0.0.1",
	}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func TestManager_ResolveCreatesWhenAbsent(t *testing.T) {
	for _, id := range []string{"", "unknown-id"} {
		t.Run(fmt.Sprintf("id=%q", id), func(t *testing.T) {
			tokens := &fakeTokens{}
			pub := &recordingPublisher{}
			m, repo, _ := setupManager(t, tokens, WithEvents(pub))

			res, err := m.Resolve(context.Background(), id, "203.0.113.9")
			require.NoError(t, err)
			assert.True(t, res.Issued)

			s := res.Session
			assert.NotEqual(t, id, s.ID)
			assert.Equal(t, "anon-"+s.ID+"@demo.eversaid.local", s.CoreAPIEmail)
			assert.Equal(t, "access-1", s.AccessToken)
			assert.Equal(t, "refresh-1", s.RefreshToken)
			assert.Equal(t, testNow.Add(7*24*time.Hour), s.ExpiresAt)
			assert.Equal(t, testNow.Add(7*24*time.Hour), s.TokenExpiresAt, "opaque token falls back to TTL")
			assert.Equal(t, "203.0.113.9", s.IPAddress)

			stored, err := repo.Get(context.Background(), s.ID)
			require.NoError(t, err)
			assert.Equal(t, *s, *stored)

			assert.Equal(t, int32(1), tokens.registers.Load())
			assert.Equal(t, int32(1), tokens.logins.Load())
			require.Len(t, pub.events, 1)
			assert.Equal(t, eventCreated, pub.events[0].EventType)
		})
	}
}

func TestManager_ResolveValidSessionIsUntouched(t *testing.T) {
	tokens := &fakeTokens{}
	m, repo, _ := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(3*time.Hour), testNow.Add(6*24*time.Hour))

	res, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Issued)
	assert.Equal(t, *existing, *res.Session)
	assert.Zero(t, tokens.refreshes.Load())
	assert.Zero(t, tokens.registers.Load())
}

// Scenario 4: a stale token triggers exactly one refresh.
func TestManager_ResolveRefreshesStaleToken(t *testing.T) {
	tokens := &fakeTokens{}
	m, repo, _ := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))

	res, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), tokens.refreshes.Load())
	assert.False(t, res.Issued)
	assert.Equal(t, existing.ID, res.Session.ID)
	assert.Equal(t, "access-r1", res.Session.AccessToken)
	assert.Equal(t, "old-refresh-next", res.Session.RefreshToken)
	assert.Equal(t, testNow.Add(24*time.Hour), res.Session.TokenExpiresAt)
	assert.Equal(t, existing.ExpiresAt, res.Session.ExpiresAt, "session lifetime is not extended")

	stored, err := repo.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-r1", stored.AccessToken)
}

func TestManager_ResolveRefreshesWithinThreshold(t *testing.T) {
	tokens := &fakeTokens{}
	m, repo, _ := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(30*time.Minute), testNow.Add(6*24*time.Hour))

	_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokens.refreshes.Load())
}

// Scenario 5: an expired session is deleted and replaced with a new id.
func TestManager_ResolveReplacesExpiredSession(t *testing.T) {
	tokens := &fakeTokens{}
	pub := &recordingPublisher{}
	m, repo, _ := setupManager(t, tokens, WithEvents(pub))
	existing := seed(t, repo, testNow.Add(time.Hour), testNow.Add(-time.Minute))

	res, err := m.Resolve(context.Background(), existing.ID, "10.0.0.2")
	require.NoError(t, err)

	assert.True(t, res.Issued)
	assert.NotEqual(t, existing.ID, res.Session.ID)
	assert.Equal(t, "10.0.0.2", res.Session.IPAddress)

	_, err = repo.Get(context.Background(), existing.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(context.Background(), res.Session.ID)
	assert.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, eventReplaced, pub.events[0].EventType)
	assert.Equal(t, existing.ID, pub.events[0].PreviousID)
}

func TestManager_FailedReplacementKeepsOldRow(t *testing.T) {
	tokens := &fakeTokens{registerErr: fmt.Errorf("%w: dial tcp: refused", coreapi.ErrUnavailable)}
	m, repo, _ := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(time.Hour), testNow.Add(-time.Minute))

	_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.ErrorIs(t, err, ErrServiceUnavailable)

	_, err = repo.Get(context.Background(), existing.ID)
	assert.NoError(t, err)
}

func TestManager_ConcurrentRefreshHappensOnce(t *testing.T) {
	tokens := &fakeTokens{refreshDelay: 100 * time.Millisecond}
	m, repo, _ := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))

	const callers = 5
	results := make([]*Resolution, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Resolve(context.Background(), existing.ID, "10.0.0.1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), tokens.refreshes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-r1", results[i].Session.AccessToken)
	}
}

func TestManager_RefreshWithoutLockBackend(t *testing.T) {
	tokens := &fakeTokens{}
	m, repo, mr := setupManager(t, tokens)
	existing := seed(t, repo, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))
	mr.Close()

	res, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "access-r1", res.Session.AccessToken)
}

func TestManager_RefreshErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		wantAPI bool
		rowKept bool
	}{
		{"unauthorized expires session", &coreapi.APIError{StatusCode: http.StatusUnauthorized}, ErrSessionExpired, false, false},
		{"transport failure", fmt.Errorf("%w: timeout", coreapi.ErrUnavailable), ErrServiceUnavailable, false, true},
		{"other status is upstream", &coreapi.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}, ErrUpstream, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{refreshErr: tt.err}
			m, repo, _ := setupManager(t, tokens)
			existing := seed(t, repo, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))

			_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
			require.ErrorIs(t, err, tt.want)

			var apiErr *coreapi.APIError
			assert.Equal(t, tt.wantAPI, errors.As(err, &apiErr))

			stored, err := repo.Get(context.Background(), existing.ID)
			if !tt.rowKept {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "old-access", stored.AccessToken)
		})
	}
}

func TestManager_RejectedRefreshStartsOver(t *testing.T) {
	tokens := &fakeTokens{refreshErr: &coreapi.APIError{StatusCode: http.StatusUnauthorized}}
	pub := &recordingPublisher{}
	m, repo, _ := setupManager(t, tokens, WithEvents(pub))
	existing := seed(t, repo, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))

	_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.ErrorIs(t, err, ErrSessionExpired)

	res, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Issued)
	assert.NotEqual(t, existing.ID, res.Session.ID)
	assert.Equal(t, int32(1), tokens.refreshes.Load(), "dead refresh token is not retried")
	assert.Equal(t, int32(1), tokens.registers.Load())

	require.Len(t, pub.events, 2)
	assert.Equal(t, eventExpired, pub.events[0].EventType)
	assert.Equal(t, eventCreated, pub.events[1].EventType)
}

func TestManager_RefreshReloadSeesConcurrentChange(t *testing.T) {
	tests := []struct {
		name  string
		race  func(r *memRepo)
		check func(t *testing.T, repo *memRepo, res *Resolution)
	}{
		{
			name: "row deleted creates a new session",
			race: func(r *memRepo) { _ = r.Delete(context.Background(), "existing") },
			check: func(t *testing.T, repo *memRepo, res *Resolution) {
				assert.Len(t, repo.sessions, 1)
			},
		},
		{
			name: "row expired replaces the session",
			race: func(r *memRepo) {
				r.mu.Lock()
				defer r.mu.Unlock()
				s := r.sessions["existing"]
				s.ExpiresAt = testNow.Add(-time.Second)
				r.sessions["existing"] = s
			},
			check: func(t *testing.T, repo *memRepo, res *Resolution) {
				_, err := repo.Get(context.Background(), "existing")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.Len(t, repo.sessions, 1)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{}
			base := newMemRepo()
			seed(t, base, testNow.Add(-time.Hour), testNow.Add(6*24*time.Hour))
			repo := &racingRepo{memRepo: base, race: tt.race}
			m := NewManager(repo, tokens, newLockerT(t), testSessionConfig(),
				WithClock(func() time.Time { return testNow }))

			res, err := m.Resolve(context.Background(), "existing", "10.0.0.7")
			require.NoError(t, err)
			assert.True(t, res.Issued)
			assert.NotEqual(t, "existing", res.Session.ID)
			assert.Equal(t, "10.0.0.7", res.Session.IPAddress)
			assert.Zero(t, tokens.refreshes.Load())
			assert.Equal(t, int32(1), tokens.registers.Load())
			tt.check(t, base, res)
		})
	}
}

func TestManager_IssueGate(t *testing.T) {
	t.Run("denied before any identity is minted", func(t *testing.T) {
		tokens := &fakeTokens{}
		gate := &fakeGate{wait: 42}
		m, repo, _ := setupManager(t, tokens, WithIssueGate(gate))

		_, err := m.Resolve(context.Background(), "", "10.0.0.1")
		require.ErrorIs(t, err, ErrIssueLimited)
		var limited *IssueLimitedError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 42, limited.RetryAfter)
		assert.Zero(t, tokens.registers.Load())
		assert.Empty(t, repo.sessions)
	})

	t.Run("unknown cookie is gated too", func(t *testing.T) {
		tokens := &fakeTokens{}
		m, _, _ := setupManager(t, tokens, WithIssueGate(&fakeGate{wait: 5}))

		_, err := m.Resolve(context.Background(), "made-up-id", "10.0.0.1")
		require.ErrorIs(t, err, ErrIssueLimited)
		assert.Zero(t, tokens.registers.Load())
	})

	t.Run("denied replacement keeps the expired row", func(t *testing.T) {
		tokens := &fakeTokens{}
		m, repo, _ := setupManager(t, tokens, WithIssueGate(&fakeGate{wait: 5}))
		existing := seed(t, repo, testNow.Add(time.Hour), testNow.Add(-time.Minute))

		_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
		require.ErrorIs(t, err, ErrIssueLimited)
		_, err = repo.Get(context.Background(), existing.ID)
		assert.NoError(t, err)
	})

	t.Run("valid session skips the gate", func(t *testing.T) {
		gate := &fakeGate{wait: 5}
		m, repo, _ := setupManager(t, &fakeTokens{}, WithIssueGate(gate))
		existing := seed(t, repo, testNow.Add(3*time.Hour), testNow.Add(6*24*time.Hour))

		_, err := m.Resolve(context.Background(), existing.ID, "10.0.0.1")
		require.NoError(t, err)
		assert.Zero(t, gate.calls.Load())
	})

	t.Run("gate failure fails open", func(t *testing.T) {
		tokens := &fakeTokens{}
		m, _, _ := setupManager(t, tokens, WithIssueGate(&fakeGate{err: errors.New("redis down")}))

		res, err := m.Resolve(context.Background(), "", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Issued)
	})
}

func TestManager_CreateErrorMapping(t *testing.T) {
	tokens := &fakeTokens{registerErr: &coreapi.APIError{StatusCode: http.StatusConflict, Body: "exists"}}
	m, repo, _ := setupManager(t, tokens)

	_, err := m.Resolve(context.Background(), "", "10.0.0.1")
	require.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, repo.sessions)
	assert.Zero(t, tokens.logins.Load())
}

func TestRedisLocker_Exclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := NewRedisLocker(client)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "k", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	unlock2, err := locker.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := NewRedisLocker(client)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)

	// Our lock expires and someone else takes it.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("lock:k", "other-owner"))

	require.NoError(t, unlock(ctx))
	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", got)
}
