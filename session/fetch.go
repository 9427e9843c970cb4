package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rekkoapp/rekko-go/rekko"
)

// AuthedCall is a backend request parameterized on the bearer token, so the
// wrapper can re-issue it after a refresh.
type AuthedCall func(ctx context.Context, token string) (*resty.Response, error)

// Fetch issues an authenticated backend call. On a 401 it performs exactly
// one deduplicated silent refresh and retries the call exactly once with
// whatever credential resulted. A second 401 tears the session down and
// returns ErrAuthExpired, which callers can distinguish from transport
// errors with errors.Is.
func (m *Manager) Fetch(ctx context.Context, call AuthedCall) (*resty.Response, error) {
	m.mu.Lock()
	token := m.sess.AccessToken
	hydrated := m.sess.Hydrated
	m.mu.Unlock()

	res, err := call(ctx, token)
	if !isUnauthorized(res, err) {
		return res, err
	}

	if hydrated {
		m.SilentRefresh(ctx)
	} else {
		m.RefreshAuth(ctx)
	}

	m.mu.Lock()
	token = m.sess.AccessToken
	m.mu.Unlock()

	res, err = call(ctx, token)
	if !isUnauthorized(res, err) {
		return res, err
	}

	m.forceLogout(ctx)
	return res, fmt.Errorf("request rejected after refresh and retry: %w", ErrAuthExpired)
}

func isUnauthorized(res *resty.Response, err error) bool {
	if errors.Is(err, rekko.ErrUnauthorized) {
		return true
	}
	return err == nil && res != nil && res.StatusCode() == 401
}
