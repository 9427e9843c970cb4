package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rekkoapp/rekko-go/rekko"
	"github.com/rekkoapp/rekko-go/storage"
)

// RefreshAuth runs the full startup-recovery decision tree: read the
// persisted credentials, decide between no session / email-only session /
// token session, silently refresh an expired token, and validate a live one
// against the backend. It is idempotent, safe to call concurrently (all
// callers share one pass), and never returns an error; the outcome is
// observable through Current only. The session is always hydrated and
// internally consistent afterwards.
func (m *Manager) RefreshAuth(ctx context.Context) {
	m.hydrateGroup.Do("refresh-auth", func() (any, error) {
		m.refreshAuth(ctx)
		return nil, nil
	})
}

func (m *Manager) refreshAuth(ctx context.Context) {
	// A login or logout that lands while hydration is reading the store or
	// talking to the backend bumps gen; every hydration write checks it, so
	// recovered state can never overwrite the newer session.
	m.mu.Lock()
	startGen := m.gen
	m.mu.Unlock()

	stored := m.readStored(ctx)

	// No token at all: either a plain guest or an email-only session that
	// accrues rewards without credentials.
	if stored.accessToken == "" {
		m.hydrateTokenless(stored, startGen)
		return
	}

	expiry := stored.expiry
	if expiry.IsZero() {
		// Persisted expiry missing or corrupt; fall back conservatively.
		expiry = m.now().Add(DefaultTokenTTL)
	}

	// Seed the in-memory session with the stored credentials (unhydrated)
	// so the refresher and the validation path operate on it.
	mode := modeFor(stored.user)
	pending := stored.pendingTokens
	if mode != ModeEmailOnly {
		pending = 0
	}
	m.mu.Lock()
	if m.gen != startGen {
		m.mu.Unlock()
		log.Info().Msg("discarding stale hydration")
		return
	}
	m.sess = Session{
		Mode:          mode,
		User:          stored.user,
		AccessToken:   stored.accessToken,
		RefreshToken:  stored.refreshToken,
		Expiry:        expiry,
		PendingTokens: pending,
	}
	m.mu.Unlock()

	if m.now().After(expiry) {
		m.hydrateExpired(ctx, startGen)
		return
	}

	m.hydrateValid(ctx, stored.accessToken, startGen)
}

// hydrateTokenless finishes hydration for sessions without an access token.
func (m *Manager) hydrateTokenless(stored storedSession, startGen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != startGen {
		log.Info().Msg("discarding stale hydration")
		return
	}

	if mode := modeFor(stored.user); mode == ModeEmailOnly {
		m.sess = Session{
			Mode:          ModeEmailOnly,
			User:          stored.user,
			PendingTokens: stored.pendingTokens,
			Hydrated:      true,
		}
		log.Info().Str("userId", stored.user.ID).Msg("recovered email-only session")
		return
	}

	m.sess = Session{Mode: ModeGuest, Hydrated: true}
	log.Debug().Msg("no stored session")
}

// hydrateExpired handles a stored token that is already past its expiry.
// Without a refresh token the expiry is terminal.
func (m *Manager) hydrateExpired(ctx context.Context, startGen uint64) {
	m.mu.Lock()
	hasRefresh := m.sess.RefreshToken != ""
	m.mu.Unlock()

	if hasRefresh && m.SilentRefresh(ctx) {
		m.markHydrated(startGen)
		return
	}
	if m.superseded(startGen) {
		return
	}
	log.Info().Msg("stored session expired and could not be refreshed")
	m.forceLogout(ctx)
}

// hydrateValid validates a live stored token against the backend once. A
// rejection gets one refresh attempt before the session is torn down; a
// transport failure keeps the stored session, since an offline start must
// not log the user out.
func (m *Manager) hydrateValid(ctx context.Context, token string, startGen uint64) {
	user, err := m.api.Me(ctx, token)
	switch {
	case err == nil:
		m.mu.Lock()
		if m.gen != startGen {
			m.mu.Unlock()
			log.Info().Msg("discarding stale hydration")
			return
		}
		m.sess.User = &user
		m.sess.Mode = modeFor(&user)
		m.sess.PendingTokens = user.PendingTokens
		if m.sess.Mode != ModeEmailOnly {
			m.sess.PendingTokens = 0
		}
		m.sess.Hydrated = true
		if perr := m.persistUserLocked(ctx, &user); perr != nil {
			log.Warn().Err(perr).Msg("failed to persist validated user")
		}
		expiry := m.sess.Expiry
		m.mu.Unlock()
		m.armTimer(expiry)
		log.Info().Str("userId", user.ID).Msg("recovered token session")

	case errors.Is(err, rekko.ErrUnauthorized):
		if m.SilentRefresh(ctx) {
			m.markHydrated(startGen)
			return
		}
		if m.superseded(startGen) {
			return
		}
		log.Info().Msg("stored token rejected and could not be refreshed")
		m.forceLogout(ctx)

	default:
		log.Warn().Err(err).Msg("could not validate stored session, keeping it")
		m.mu.Lock()
		if m.gen != startGen {
			m.mu.Unlock()
			return
		}
		m.sess.Hydrated = true
		expiry := m.sess.Expiry
		m.mu.Unlock()
		m.armTimer(expiry)
	}
}

func (m *Manager) markHydrated(startGen uint64) {
	m.mu.Lock()
	if m.gen == startGen {
		m.sess.Hydrated = true
	}
	m.mu.Unlock()
}

func (m *Manager) superseded(startGen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != startGen
}

// storedSession is the raw persisted state read during hydration.
type storedSession struct {
	accessToken   string
	refreshToken  string
	expiry        time.Time
	user          *rekko.User
	pendingTokens int64
}

// readStored reads the session key set, failing open: any read error is
// treated as an absent value, degrading to logged-out rather than crashing.
func (m *Manager) readStored(ctx context.Context) storedSession {
	s := storedSession{
		accessToken:  m.storedValue(ctx, storage.KeyAccessToken),
		refreshToken: m.storedValue(ctx, storage.KeyRefreshToken),
	}

	if raw := m.storedValue(ctx, storage.KeyTokenExpiry); raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.expiry = time.UnixMilli(millis)
		} else {
			log.Warn().Str("value", raw).Msg("corrupt stored expiry, ignoring")
		}
	}

	if raw := m.storedValue(ctx, storage.KeyUser); raw != "" {
		var user rekko.User
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			s.user = &user
		} else {
			log.Warn().Err(err).Msg("corrupt stored user, ignoring")
		}
	}

	if raw := m.storedValue(ctx, storage.KeyPendingTokens); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.pendingTokens = n
		}
	}

	return s
}

func (m *Manager) storedValue(ctx context.Context, key string) string {
	value, ok, err := m.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("credential read failed, treating as absent")
		return ""
	}
	if !ok {
		return ""
	}
	return value
}
