package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements Store on a single encrypted JSON file. It is the
// fallback when SQLite is unavailable in the host environment.
type FileStore struct {
	path          string
	encryptionKey []byte
	mu            sync.Mutex
}

// NewFileStore opens or creates the credential file at path.
func NewFileStore(path string, encryptionKey []byte) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{path: path, encryptionKey: encryptionKey}

	// Verify the file is readable and decryptable up front, so Open can
	// fall through to another backend instead of failing per-call later.
	if _, err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) == 0 {
		return map[string]string{}, nil
	}

	plaintext, err := Decrypt(string(data), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential file: %w", err)
	}
	return values, nil
}

// save writes the whole map atomically via a temp file rename, so a crash
// mid-write cannot truncate the previous contents.
func (s *FileStore) save(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	encrypted, err := Encrypt(plaintext, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	return nil
}

// Get retrieves a value by key. A missing key reports ok=false with nil
// error.
func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// Set stores or replaces a value.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

// Remove deletes a key. Removing an absent key is a no-op.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return s.save(values)
}

// Clear removes the whole session key set in one write.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	for _, k := range SessionKeys {
		delete(values, k)
	}
	return s.save(values)
}

// Close is a no-op; the file is not held open between calls.
func (s *FileStore) Close() error {
	return nil
}
