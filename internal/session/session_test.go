package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"
	"secgate/gateway/internal/resolver"
	"secgate/gateway/internal/store"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	m   *Manager
	ms  *store.MemoryStore
	now *time.Time
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	ms := store.NewMemoryStore()
	ms.SetClock(func() time.Time { return now })
	m := NewManager(ms, resolver.NewStatic(map[string]string{"alice": "ADMIN", "bob": "USER"}, ""), opts)
	m.SetClock(func() time.Time { return now })
	return fixture{m: m, ms: ms, now: &now}
}

func requireKind(t *testing.T, err error, kind denial.Kind) {
	t.Helper()
	d, ok := denial.As(err)
	require.True(t, ok, "expected denial, got %v", err)
	require.Equal(t, kind, d.Kind)
}

func TestCreateAndValidate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	h, rec, err := f.m.Create(ctx, "alice", "10.0.0.1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, h)
	require.Equal(t, f.now.Add(time.Hour), rec.ExpiresAt)

	p, err := f.m.Validate(ctx, h, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "alice", p.IdentityID)
	require.Equal(t, "ADMIN", p.Role)
	require.Equal(t, principal.MethodSession, p.Method)
	require.Equal(t, h, p.SessionID)
}

func TestValidateUnknownHandle(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.m.Validate(context.Background(), "nope", "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
	_, err = f.m.Validate(context.Background(), "  ", "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
}

func TestActivityDoesNotExtendAbsoluteExpiry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	h, _, err := f.m.Create(ctx, "bob", "10.0.0.1", time.Hour)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		*f.now = f.now.Add(10 * time.Minute)
		_, err := f.m.Validate(ctx, h, "10.0.0.1")
		require.NoError(t, err)
	}

	raw, err := f.ms.Get(ctx, key(h))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	require.True(t, rec.LastActivity.Equal(*f.now))
	require.True(t, rec.ExpiresAt.Equal(rec.CreatedAt.Add(time.Hour)))

	// the last write-back leaves the store TTL at the absolute expiry
	*f.now = f.now.Add(10*time.Minute + expiryGrace)
	_, err = f.m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	h, rec, err := f.m.Create(ctx, "bob", "", time.Hour)
	require.NoError(t, err)

	*f.now = rec.ExpiresAt
	_, err = f.m.Validate(ctx, h, "")
	require.NoError(t, err, "a session is valid up to and including expires_at")

	*f.now = rec.ExpiresAt.Add(time.Millisecond)
	_, err = f.m.Validate(ctx, h, "")
	requireKind(t, err, denial.SessionExpired)
	_, err = f.ms.Get(ctx, key(h))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredRecordStillPresent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	now := *f.now
	b, _ := json.Marshal(Record{IdentityID: "bob", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Second), LastActivity: now.Add(-time.Minute)})
	// simulate a store that outlived the record's own expiry
	require.NoError(t, f.ms.Set(ctx, key("stale"), string(b), time.Hour))

	_, err := f.m.Validate(ctx, "stale", "")
	requireKind(t, err, denial.SessionExpired)
	_, err = f.ms.Get(ctx, key("stale"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 15 * time.Minute})
	ctx := context.Background()
	h, _, _ := f.m.Create(ctx, "bob", "10.0.0.1", 24*time.Hour)

	*f.now = f.now.Add(14 * time.Minute)
	_, err := f.m.Validate(ctx, h, "10.0.0.1")
	require.NoError(t, err)

	*f.now = f.now.Add(16 * time.Minute)
	_, err = f.m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionExpired)
}

func TestBindIP(t *testing.T) {
	f := newFixture(t, Options{BindIP: true})
	ctx := context.Background()
	h, _, _ := f.m.Create(ctx, "bob", "10.0.0.1", time.Hour)

	_, err := f.m.Validate(ctx, h, "10.9.9.9")
	requireKind(t, err, denial.SessionNotFound)
	_, err = f.m.Validate(ctx, h, "10.0.0.1")
	require.NoError(t, err)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	h, _, _ := f.m.Create(ctx, "alice", "10.0.0.1", time.Hour)

	require.NoError(t, f.m.Destroy(ctx, h))
	_, err := f.m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
	require.NoError(t, f.m.Destroy(ctx, h))
}

func TestUnknownIdentityDropsSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	h, _, _ := f.m.Create(ctx, "mallory", "10.0.0.1", time.Hour)

	_, err := f.m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
	require.Equal(t, 0, f.ms.Len())
}

// logoutRace destroys the session right after Validate has read it, as a
// concurrent logout would.
type logoutRace struct {
	store.CounterStore
	m      *Manager
	handle string
}

func (r *logoutRace) Get(ctx context.Context, k string) (string, error) {
	v, err := r.CounterStore.Get(ctx, k)
	if err == nil && r.m != nil && k == key(r.handle) {
		_ = r.m.Destroy(ctx, r.handle)
	}
	return v, err
}

func TestLogoutDuringValidateIsNotUndone(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	race := &logoutRace{CounterStore: ms}
	m := NewManager(race, resolver.NewStatic(map[string]string{"bob": "USER"}, ""), Options{})

	h, _, err := m.Create(ctx, "bob", "10.0.0.1", time.Hour)
	require.NoError(t, err)
	race.m, race.handle = m, h

	_, err = m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
	require.Equal(t, 0, ms.Len(), "activity write-back recreated a destroyed session")

	race.m = nil
	_, err = m.Validate(ctx, h, "10.0.0.1")
	requireKind(t, err, denial.SessionNotFound)
}

type brokenStore struct{ store.CounterStore }

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", store.ErrUnavailable
}

func TestStoreOutageFailsClosed(t *testing.T) {
	m := NewManager(brokenStore{store.NewMemoryStore()}, resolver.NewStatic(nil, "USER"), Options{})
	_, err := m.Validate(context.Background(), "h", "10.0.0.1")
	requireKind(t, err, denial.StoreUnavailable)
}
