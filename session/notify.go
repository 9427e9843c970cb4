package session

import "github.com/rekkoapp/rekko-go/rekko"

// Notifier receives the user-visible session events. Silent refreshes and
// resume-triggered refreshes never notify.
type Notifier interface {
	// LoggedIn fires after a successful explicit login.
	LoggedIn(user rekko.User)
	// LoggedOut fires after a user-initiated logout.
	LoggedOut()
	// SessionEnded fires when the session is torn down because it could not
	// be refreshed. UI should treat it as "session ended", not as an error.
	SessionEnded()
}

type nopNotifier struct{}

func (nopNotifier) LoggedIn(rekko.User) {}
func (nopNotifier) LoggedOut()          {}
func (nopNotifier) SessionEnded()       {}
