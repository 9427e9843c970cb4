package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rekkoapp/rekko-go/rekko"
	"github.com/rekkoapp/rekko-go/storage"
)

// testBackend is a scriptable fake of the auth endpoints with call counters.
type testBackend struct {
	server *httptest.Server

	meCalls      atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	feedCalls    atomic.Int32

	meStatus atomic.Int32
	meUser   rekko.User

	refreshStatus atomic.Int32
	newToken      string
	rotatedToken  string
	expiresIn     int64

	// feedAccepts, when non-empty, is the only bearer token /feed accepts.
	feedAccepts string

	// refreshStarted receives once per refresh request, before any blocking.
	refreshStarted chan struct{}
	// refreshRelease, when non-nil, blocks the refresh handler until closed.
	refreshRelease chan struct{}
}

func newTestBackend(t *testing.T) *testBackend {
	b := &testBackend{
		newToken:  "refreshed-access",
		expiresIn: 3600,
	}
	b.meStatus.Store(200)
	b.refreshStatus.Store(200)
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/me":
		b.meCalls.Add(1)
		if s := b.meStatus.Load(); s != 200 {
			w.WriteHeader(int(s))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.meUser)

	case "/auth/refresh":
		b.refreshCalls.Add(1)
		if b.refreshStarted != nil {
			select {
			case b.refreshStarted <- struct{}{}:
			default:
			}
		}
		if b.refreshRelease != nil {
			<-b.refreshRelease
		}
		if s := b.refreshStatus.Load(); s != 200 {
			w.WriteHeader(int(s))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"token":        b.newToken,
			"refreshToken": b.rotatedToken,
			"expiresIn":    b.expiresIn,
		})

	case "/auth/logout":
		b.logoutCalls.Add(1)
		w.WriteHeader(204)

	case "/feed":
		b.feedCalls.Add(1)
		if b.feedAccepts != "" && r.Header.Get("Authorization") == "Bearer "+b.feedAccepts {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"items":[]}`))
			return
		}
		w.WriteHeader(401)

	default:
		w.WriteHeader(404)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) LoggedIn(rekko.User) { n.add("login") }
func (n *recordingNotifier) LoggedOut()          { n.add("logout") }
func (n *recordingNotifier) SessionEnded()       { n.add("ended") }

func (n *recordingNotifier) add(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestManager(t *testing.T, b *testBackend) (*Manager, storage.Store, *recordingNotifier) {
	t.Helper()
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "creds.json"), storage.DeriveKey("test"))
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	m, err := NewManager(Options{
		API:           rekko.NewClient(rekko.ClientOpts{BaseURL: b.server.URL, Timeout: 5 * time.Second}),
		Store:         store,
		Notifier:      notifier,
		RefreshMargin: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return m, store, notifier
}

// seedStore writes a persisted session the way a previous process would have
// left it.
func seedStore(t *testing.T, store storage.Store, token, refresh string, expiry time.Time, user *rekko.User, pending int64) {
	t.Helper()
	ctx := context.Background()
	if token != "" {
		require.NoError(t, store.Set(ctx, storage.KeyAccessToken, token))
		require.NoError(t, store.Set(ctx, storage.KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10)))
	}
	if refresh != "" {
		require.NoError(t, store.Set(ctx, storage.KeyRefreshToken, refresh))
	}
	if user != nil {
		data, err := json.Marshal(user)
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, storage.KeyUser, string(data)))
	}
	require.NoError(t, store.Set(ctx, storage.KeyPendingTokens, strconv.FormatInt(pending, 10)))
}

func signedTestToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func walletUser() rekko.User {
	return rekko.User{
		ID:            "u1",
		Handle:        "maija",
		DisplayName:   "Maija",
		WalletAddress: "0xabc",
		Reputation:    42,
		TokensEarned:  120,
	}
}

func emailUser() rekko.User {
	return rekko.User{
		ID:          "u2",
		Handle:      "pekka",
		DisplayName: "Pekka",
		Email:       "pekka@example.com",
	}
}

func storedKeyAbsent(t *testing.T, store storage.Store, key string) bool {
	t.Helper()
	_, ok, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return !ok
}

func TestLoginEstablishesWalletSession(t *testing.T) {
	b := newTestBackend(t)
	m, store, notifier := newTestManager(t, b)

	user := walletUser()
	user.PendingTokens = 50
	err := m.Login(context.Background(), rekko.LoginResult{
		Token:        signedTestToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		User:         user,
	})
	require.NoError(t, err)

	s := m.Current()
	assert.Equal(t, ModeWallet, s.Mode)
	assert.True(t, s.Hydrated)
	assert.Equal(t, "u1", s.User.ID)
	// Entering wallet mode retires the provisional reward counter.
	assert.Equal(t, int64(0), s.PendingTokens)
	assert.Equal(t, int64(0), s.User.PendingTokens)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.Expiry, 10*time.Second)

	assert.False(t, storedKeyAbsent(t, store, storage.KeyAccessToken))
	assert.False(t, storedKeyAbsent(t, store, storage.KeyRefreshToken))
	assert.False(t, storedKeyAbsent(t, store, storage.KeyUser))
	assert.Equal(t, []string{"login"}, notifier.list())
}

func TestLoginWithOpaqueTokenFallsBackToDefaultExpiry(t *testing.T) {
	b := newTestBackend(t)
	m, _, _ := newTestManager(t, b)

	err := m.Login(context.Background(), rekko.LoginResult{
		Token: "opaque-not-a-jwt",
		User:  emailUser(),
	})
	require.NoError(t, err)

	s := m.Current()
	assert.Equal(t, ModeEmailOnly, s.Mode)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), s.Expiry, 10*time.Second)
}

// failingStore rejects all writes, simulating an unavailable backend store.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk full")
}
func (failingStore) Remove(context.Context, string) error { return nil }
func (failingStore) Clear(context.Context) error          { return nil }
func (failingStore) Close() error                         { return nil }

func TestLoginFailsWhenPersistFails(t *testing.T) {
	b := newTestBackend(t)
	notifier := &recordingNotifier{}
	m, err := NewManager(Options{
		API:      rekko.NewClient(rekko.ClientOpts{BaseURL: b.server.URL}),
		Store:    failingStore{},
		Notifier: notifier,
	})
	require.NoError(t, err)

	err = m.Login(context.Background(), rekko.LoginResult{
		Token: signedTestToken(t, time.Now().Add(time.Hour)),
		User:  walletUser(),
	})
	assert.NotNil(t, err)

	// An unpersisted session must not be reported as logged in.
	assert.Equal(t, ModeGuest, m.Current().Mode)
	assert.Empty(t, notifier.list())
}

// failOnKeyStore rejects the write of one specific key, simulating a store
// that fails partway through persisting a login.
type failOnKeyStore struct {
	storage.Store
	failKey string
}

func (s *failOnKeyStore) Set(ctx context.Context, key, value string) error {
	if key == s.failKey {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

func TestFailedLoginLeavesNoPartialKeys(t *testing.T) {
	b := newTestBackend(t)
	inner, err := storage.NewFileStore(filepath.Join(t.TempDir(), "creds.json"), storage.DeriveKey("test"))
	require.NoError(t, err)
	// The user write comes after the token writes, so the tokens land
	// before the failure.
	store := &failOnKeyStore{Store: inner, failKey: storage.KeyUser}

	m, err := NewManager(Options{
		API:   rekko.NewClient(rekko.ClientOpts{BaseURL: b.server.URL}),
		Store: store,
	})
	require.NoError(t, err)

	err = m.Login(context.Background(), rekko.LoginResult{
		Token:        signedTestToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		User:         walletUser(),
	})
	assert.NotNil(t, err)
	assert.Equal(t, ModeGuest, m.Current().Mode)

	for _, key := range storage.SessionKeys {
		assert.True(t, storedKeyAbsent(t, inner, key), "key %s should not survive a failed login", key)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	b := newTestBackend(t)
	m, store, notifier := newTestManager(t, b)

	require.NoError(t, m.Login(context.Background(), rekko.LoginResult{
		Token:        signedTestToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		User:         walletUser(),
	}))

	require.NoError(t, m.Logout(context.Background()))

	s := m.Current()
	assert.Equal(t, ModeGuest, s.Mode)
	assert.True(t, s.Hydrated)
	assert.Nil(t, s.User)
	assert.False(t, s.HasToken())

	for _, key := range storage.SessionKeys {
		assert.True(t, storedKeyAbsent(t, store, key), "key %s should be cleared", key)
	}
	assert.Equal(t, int32(1), b.logoutCalls.Load())
	assert.Equal(t, []string{"login", "logout"}, notifier.list())
}

func TestLogoutIgnoresBackendFailure(t *testing.T) {
	b := newTestBackend(t)
	m, store, _ := newTestManager(t, b)
	b.server.Close() // backend unreachable

	require.NoError(t, m.Login(context.Background(), rekko.LoginResult{
		Token: "opaque",
		User:  walletUser(),
	}))

	// The network logout fails but the local teardown must still succeed.
	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, ModeGuest, m.Current().Mode)
	assert.True(t, storedKeyAbsent(t, store, storage.KeyAccessToken))
}

func TestUpdateUserMergesAndPersists(t *testing.T) {
	b := newTestBackend(t)
	m, store, _ := newTestManager(t, b)

	require.NoError(t, m.Login(context.Background(), rekko.LoginResult{
		Token: "opaque",
		User:  emailUser(),
	}))

	bio := "likes hiking maps"
	require.NoError(t, m.UpdateUser(context.Background(), rekko.UserPatch{Bio: &bio}))

	s := m.Current()
	assert.Equal(t, "likes hiking maps", s.User.Bio)
	assert.Equal(t, "pekka", s.User.Handle)
	assert.Greater(t, s.User.ProfileCompletion, 0)

	raw, ok, err := store.Get(context.Background(), storage.KeyUser)
	require.NoError(t, err)
	require.True(t, ok)
	var persisted rekko.User
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, "likes hiking maps", persisted.Bio)
}

func TestUpdateUserWithoutSession(t *testing.T) {
	b := newTestBackend(t)
	m, _, _ := newTestManager(t, b)

	bio := "x"
	err := m.UpdateUser(context.Background(), rekko.UserPatch{Bio: &bio})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestAuthHeader(t *testing.T) {
	b := newTestBackend(t)
	m, _, _ := newTestManager(t, b)

	_, ok := m.AuthHeader()
	assert.False(t, ok)

	require.NoError(t, m.Login(context.Background(), rekko.LoginResult{
		Token: "opaque-token",
		User:  emailUser(),
	}))

	value, ok := m.AuthHeader()
	assert.True(t, ok)
	assert.Equal(t, "Bearer opaque-token", value)
}

func TestDeviceIDIsStable(t *testing.T) {
	b := newTestBackend(t)
	m, _, _ := newTestManager(t, b)
	ctx := context.Background()

	id := m.DeviceID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, m.DeviceID(ctx))
}
