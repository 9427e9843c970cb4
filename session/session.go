// Package session owns the client-side login lifecycle: hydration of a
// persisted session at startup, proactive refresh of the access token before
// it expires, resume-triggered refresh, and the authenticated-call wrapper
// every backend request goes through.
package session

import (
	"errors"
	"time"

	"github.com/rekkoapp/rekko-go/rekko"
)

// Mode is the tier of linked identity for the current session.
type Mode string

const (
	// ModeGuest is the logged-out state.
	ModeGuest Mode = "guest"
	// ModeEmailOnly sessions accrue reward tokens provisionally, before a
	// wallet is linked.
	ModeEmailOnly Mode = "email"
	// ModeWallet sessions can claim accrued rewards on-chain.
	ModeWallet Mode = "wallet"
)

// ErrAuthExpired is returned by Fetch when a request still fails
// authentication after the one-shot refresh and retry. UI code redirects to
// login on this error instead of showing a transient-error toast.
var ErrAuthExpired = errors.New("authentication expired")

// ErrNotLoggedIn is returned by operations that require an attached user.
var ErrNotLoggedIn = errors.New("not logged in")

// Session is the authoritative record of the current login. Values returned
// by Manager.Current are snapshots; mutation goes through the Manager only.
type Session struct {
	Mode          Mode
	User          *rekko.User
	AccessToken   string
	RefreshToken  string
	Expiry        time.Time // zero iff AccessToken is empty
	PendingTokens int64     // meaningful only in ModeEmailOnly
	Hydrated      bool
}

// LoggedIn reports whether any identity is attached to the session.
func (s Session) LoggedIn() bool {
	return s.Mode != ModeGuest
}

// HasToken reports whether the session holds an access token.
func (s Session) HasToken() bool {
	return s.AccessToken != ""
}

// Expired reports whether the access token is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return s.HasToken() && now.After(s.Expiry)
}

// expiresWithin reports whether the access token expires within d of now.
func (s Session) expiresWithin(now time.Time, d time.Duration) bool {
	return s.HasToken() && !now.Add(d).Before(s.Expiry)
}

// modeFor derives the session mode from the user's linked identifiers.
func modeFor(u *rekko.User) Mode {
	switch {
	case u == nil:
		return ModeGuest
	case u.WalletAddress != "":
		return ModeWallet
	case u.Email != "" || u.Phone != "":
		return ModeEmailOnly
	default:
		return ModeGuest
	}
}
