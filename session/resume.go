package session

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ObserveResume consumes the host environment's app-foregrounded signal and
// refreshes the token immediately when it is within the safety margin of
// expiring. Timers do not reliably fire while a process is suspended, so
// waking up is the moment to catch up. A nil channel means the environment
// has no such lifecycle signal; ObserveResume then blocks until ctx is done.
//
// Run it from a goroutine, typically under an errgroup.
func (m *Manager) ObserveResume(ctx context.Context, signals <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-signals:
			if !ok {
				return nil
			}
			m.handleResume(ctx)
		}
	}
}

func (m *Manager) handleResume(ctx context.Context) {
	m.mu.Lock()
	sess := m.sess
	startGen := m.gen
	now := m.now()
	m.mu.Unlock()

	if !sess.HasToken() || sess.RefreshToken == "" {
		return
	}
	if !sess.expiresWithin(now, m.margin) {
		return
	}

	log.Debug().Time("expiry", sess.Expiry).Msg("resumed near token expiry, refreshing")
	if !m.SilentRefresh(ctx) {
		// A refresh superseded by a logout or a new login also reports
		// false; only a failure of the session observed above may end it.
		m.mu.Lock()
		failedCurrent := m.gen == startGen && m.sess.HasToken()
		m.mu.Unlock()
		if failedCurrent {
			log.Warn().Msg("resume refresh failed, ending session")
			m.forceLogout(ctx)
		}
	}
}
