package session

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rekkoapp/rekko-go/rekko/auth"
	"github.com/rekkoapp/rekko-go/storage"
)

// SilentRefresh exchanges the refresh token for a new access token, persists
// the result, updates the session, and rearms the refresh timer. It reports
// success; it never escalates failure itself, the caller decides whether a
// false return forces a logout.
//
// Concurrent callers are collapsed onto a single network exchange: the backend
// invalidates a refresh token once consumed, so a second in-flight exchange
// would race the first and lose the session.
func (m *Manager) SilentRefresh(ctx context.Context) bool {
	v, _, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.refreshOnce(ctx), nil
	})
	return v.(bool)
}

func (m *Manager) refreshOnce(ctx context.Context) bool {
	m.mu.Lock()
	refreshToken := m.sess.RefreshToken
	startGen := m.gen
	m.mu.Unlock()

	if refreshToken == "" {
		return false
	}

	res, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		return false
	}
	if res.Token == "" {
		log.Warn().Msg("token refresh returned an empty token")
		return false
	}

	expiry := m.refreshExpiry(res.Token, res.ExpiresIn)

	m.mu.Lock()
	if m.gen != startGen {
		// A logout or new login superseded this refresh while it was in
		// flight; its result must not resurrect the old session.
		m.mu.Unlock()
		log.Info().Msg("discarding stale refresh result")
		return false
	}
	m.sess.AccessToken = res.Token
	m.sess.Expiry = expiry
	if res.RefreshToken != "" {
		m.sess.RefreshToken = res.RefreshToken
	}
	if err := m.persistTokensLocked(ctx, res.Token, m.sess.RefreshToken, expiry); err != nil {
		// The in-memory session stays usable; only the next cold start is
		// affected.
		log.Warn().Err(err).Msg("failed to persist refreshed tokens")
	}
	m.mu.Unlock()

	m.armTimer(expiry)
	log.Debug().Time("expiry", expiry).Msg("access token refreshed")
	return true
}

// refreshExpiry resolves the new token's expiry: the backend's explicit
// lifetime wins, then the token's own exp claim, then the conservative
// default.
func (m *Manager) refreshExpiry(token string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return m.now().Add(time.Duration(expiresIn) * time.Second)
	}
	if expiry, ok := auth.TokenExpiry(token); ok {
		return expiry
	}
	return m.now().Add(DefaultTokenTTL)
}

func (m *Manager) persistTokensLocked(ctx context.Context, token, refreshToken string, expiry time.Time) error {
	if err := m.store.Set(ctx, storage.KeyAccessToken, token); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := m.store.Set(ctx, storage.KeyRefreshToken, refreshToken); err != nil {
			return err
		}
	}
	return m.store.Set(ctx, storage.KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10))
}
