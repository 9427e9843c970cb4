package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rekkoapp/rekko-go/rekko"
	"github.com/rekkoapp/rekko-go/rekko/auth"
	"github.com/rekkoapp/rekko-go/storage"
)

const (
	// DefaultTokenTTL is assumed when an access token carries no decodable
	// expiry.
	DefaultTokenTTL = time.Hour

	// DefaultRefreshMargin is how long before expiry the scheduled refresh
	// fires.
	DefaultRefreshMargin = time.Minute
)

// Options configures a Manager. API and Store are required.
type Options struct {
	API      *rekko.Client
	Store    storage.Store
	Notifier Notifier

	// RefreshMargin overrides DefaultRefreshMargin.
	RefreshMargin time.Duration
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Manager is the single point through which all session mutation and all
// authenticated backend calls flow. It is safe for concurrent use.
type Manager struct {
	api      *rekko.Client
	store    storage.Store
	notifier Notifier
	sched    *scheduler
	margin   time.Duration
	now      func() time.Time

	// mu guards sess, gen, and every write of session keys to the store, so
	// a refresh result that lost a race with logout cannot repopulate a
	// cleared store.
	mu   sync.Mutex
	sess Session
	// gen identifies which login the session belongs to. Login and logout
	// bump it; a refresh commits its result only if gen still matches the
	// value it started with.
	gen uint64

	refreshGroup singleflight.Group
	hydrateGroup singleflight.Group
}

// NewManager creates a Manager in the unhydrated state. Call RefreshAuth to
// recover any persisted session before exposing state to UI code.
func NewManager(opts Options) (*Manager, error) {
	if opts.API == nil {
		return nil, errors.New("session: API client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: credential store is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		api:      opts.API,
		store:    opts.Store,
		notifier: opts.Notifier,
		margin:   opts.RefreshMargin,
		now:      opts.Now,
		sess:     Session{Mode: ModeGuest},
	}
	m.sched = newScheduler(opts.RefreshMargin, opts.Now)
	return m, nil
}

// Current returns a snapshot of the session.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	out := m.sess
	if m.sess.User != nil {
		u := *m.sess.User
		out.User = &u
	}
	return out
}

// AuthHeader returns the Authorization header value for the current session.
// ok is false when no access token is held.
func (m *Manager) AuthHeader() (value string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.AccessToken == "" {
		return "", false
	}
	return "Bearer " + m.sess.AccessToken, true
}

// Login establishes a session from a login flow's result. All fields are
// persisted before the session becomes visible; a persistence failure fails
// the login, since an unpersisted session is unsafe to report as successful.
func (m *Manager) Login(ctx context.Context, res rekko.LoginResult) error {
	if res.Token == "" {
		return errors.New("session: login requires an access token")
	}

	expiry, decoded := auth.TokenExpiry(res.Token)
	if !decoded {
		expiry = m.now().Add(DefaultTokenTTL)
	}

	user := res.User
	mode := modeFor(&user)
	if mode == ModeWallet {
		// Accrued rewards become claimable on-chain; the provisional
		// counter is retired.
		user.PendingTokens = 0
	}

	m.mu.Lock()
	if err := m.persistSessionLocked(ctx, res.Token, res.RefreshToken, expiry, &user); err != nil {
		// Do not leave a mix of this login's keys and a previous
		// session's keys behind.
		if cerr := m.store.Clear(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to clear partially persisted login")
		}
		m.mu.Unlock()
		return fmt.Errorf("session: failed to persist login: %w", err)
	}
	m.gen++
	m.sess = Session{
		Mode:          mode,
		User:          &user,
		AccessToken:   res.Token,
		RefreshToken:  res.RefreshToken,
		Expiry:        expiry,
		PendingTokens: user.PendingTokens,
		Hydrated:      true,
	}
	m.mu.Unlock()

	m.armTimer(expiry)

	log.Info().Str("userId", user.ID).Str("mode", string(mode)).
		Time("expiry", expiry).Msg("logged in")
	m.notifier.LoggedIn(user)
	return nil
}

// Logout tears the session down: timer cancelled, backend notified
// best-effort, storage cleared, state reset to a hydrated guest.
func (m *Manager) Logout(ctx context.Context) error {
	m.sched.Cancel()

	m.mu.Lock()
	token := m.sess.AccessToken
	wasLoggedIn := m.sess.LoggedIn()
	m.gen++
	m.sess = Session{Mode: ModeGuest, Hydrated: true}
	err := m.store.Clear(ctx)
	m.mu.Unlock()

	if token != "" {
		if lerr := m.api.Logout(ctx, token); lerr != nil {
			log.Warn().Err(lerr).Msg("backend logout failed, ignoring")
		}
	}

	if err != nil {
		return fmt.Errorf("session: failed to clear credential store: %w", err)
	}

	log.Info().Msg("logged out")
	if wasLoggedIn {
		m.notifier.LoggedOut()
	}
	return nil
}

// forceLogout tears the session down after an unrecoverable refresh or
// authentication failure. Unlike Logout it does not call the backend (the
// credential is already dead) and surfaces to the user as "session ended".
func (m *Manager) forceLogout(ctx context.Context) {
	m.sched.Cancel()

	m.mu.Lock()
	wasLoggedIn := m.sess.LoggedIn()
	m.gen++
	m.sess = Session{Mode: ModeGuest, Hydrated: true}
	if err := m.store.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear credential store on forced logout")
	}
	m.mu.Unlock()

	log.Info().Msg("session ended")
	if wasLoggedIn {
		m.notifier.SessionEnded()
	}
}

// UpdateUser merges a local profile edit into the session's user snapshot,
// recomputes the completion metric, and persists the merged user.
func (m *Manager) UpdateUser(ctx context.Context, patch rekko.UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.User == nil {
		return ErrNotLoggedIn
	}

	merged := patch.Apply(*m.sess.User)
	if err := m.persistUserLocked(ctx, &merged); err != nil {
		return fmt.Errorf("session: failed to persist user update: %w", err)
	}
	m.sess.User = &merged
	m.sess.Mode = modeFor(&merged)
	return nil
}

// DeviceID returns the per-install device identifier, minting and persisting
// one on first use.
func (m *Manager) DeviceID(ctx context.Context) string {
	if v, ok, err := m.store.Get(ctx, storage.KeyDeviceID); err == nil && ok && v != "" {
		return v
	}
	id := uuid.New().String()
	if err := m.store.Set(ctx, storage.KeyDeviceID, id); err != nil {
		log.Warn().Err(err).Msg("failed to persist device id")
	}
	return id
}

// --- persistence helpers (callers hold m.mu) ---

func (m *Manager) persistSessionLocked(ctx context.Context, token, refreshToken string, expiry time.Time, user *rekko.User) error {
	if err := m.store.Set(ctx, storage.KeyAccessToken, token); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := m.store.Set(ctx, storage.KeyRefreshToken, refreshToken); err != nil {
			return err
		}
	} else if err := m.store.Remove(ctx, storage.KeyRefreshToken); err != nil {
		return err
	}
	if err := m.store.Set(ctx, storage.KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10)); err != nil {
		return err
	}
	return m.persistUserLocked(ctx, user)
}

func (m *Manager) persistUserLocked(ctx context.Context, user *rekko.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, storage.KeyUser, string(data)); err != nil {
		return err
	}
	return m.store.Set(ctx, storage.KeyPendingTokens, strconv.FormatInt(user.PendingTokens, 10))
}

// armTimer arms the refresh timer for the given expiry. An expiry already
// inside the margin arms nothing; refresh right away instead of waiting for
// the next 401.
func (m *Manager) armTimer(expiry time.Time) {
	if !m.sched.Arm(expiry, m.onRefreshTimer) {
		go m.onRefreshTimer()
	}
}

func (m *Manager) onRefreshTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	startGen := m.gen
	m.mu.Unlock()

	if m.SilentRefresh(ctx) {
		return
	}
	// A refresh superseded by a logout or a new login also reports false;
	// only a failure of the session this timer was armed for may end it.
	m.mu.Lock()
	failedCurrent := m.gen == startGen && m.sess.HasToken()
	m.mu.Unlock()
	if failedCurrent {
		log.Warn().Msg("scheduled refresh failed, ending session")
		m.forceLogout(ctx)
	}
}
