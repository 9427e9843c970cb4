// Package storage persists session credentials across process restarts.
//
// Two backends implement the same Store interface: an AES-GCM-encrypted
// SQLite database (the secure-preferences analog, preferred) and an encrypted
// JSON file (the fallback). Callers go through Open and never branch on the
// backend.
package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Logical key names for the persisted session. Clear removes exactly this
// set.
const (
	KeyAccessToken   = "access_token"
	KeyRefreshToken  = "refresh_token"
	KeyTokenExpiry   = "token_expiry" // epoch millis, stored as string
	KeyUser          = "user"         // serialized user snapshot
	KeyPendingTokens = "pending_tokens"

	// KeyDeviceID is per-install, not per-session; it survives Clear.
	KeyDeviceID = "device_id"
)

// SessionKeys is the fixed set of keys owned by the session core; Clear
// removes exactly these.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyTokenExpiry,
	KeyUser,
	KeyPendingTokens,
}

// Store is durable, idempotent key/value persistence for session
// credentials. Get on a missing key reports ok=false, never an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Clear removes the whole session key set. Partial failure must not
	// leave a mix of old and new session keys behind.
	Clear(ctx context.Context) error
	Close() error
}

// Open selects a backend: SQLite at path when available, otherwise an
// encrypted JSON file next to it. The passphrase protects values at rest in
// either case.
func Open(path, passphrase string) (Store, error) {
	key := DeriveKey(passphrase)

	store, err := NewSQLiteStore(path, key)
	if err == nil {
		return store, nil
	}
	log.Warn().Err(err).Str("path", path).
		Msg("sqlite credential store unavailable, falling back to file store")

	fileStore, ferr := NewFileStore(path+".json", key)
	if ferr != nil {
		return nil, fmt.Errorf("no usable credential store: sqlite: %v, file: %w", err, ferr)
	}
	return fileStore, nil
}
