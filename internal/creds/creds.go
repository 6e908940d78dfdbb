// ABOUTME: Persists per-session protocol credentials as opaque blobs on disk.
// ABOUTME: Atomic writes, two naming schemes, and startup enumeration of saved sessions.

package creds

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// File naming: multi-device credentials are stored as "md_<id>", legacy
// credentials as "legacy_<id>.json". Chat caches live alongside them as
// "<id>_store.json" and are never treated as credentials.
const (
	mdPrefix     = "md_"
	legacyPrefix = "legacy_"
	legacySuffix = ".json"
	cacheSuffix  = "_store.json"
)

// Identity names one persisted session credential.
type Identity struct {
	SessionID string
	Legacy    bool
}

// Store persists credential blobs under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the credential directory if needed and returns a Store.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding credential and cache files.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the credential file path for a session identity.
func (s *Store) Path(sessionID string, legacy bool) string {
	if legacy {
		return filepath.Join(s.dir, legacyPrefix+sessionID+legacySuffix)
	}
	return filepath.Join(s.dir, mdPrefix+sessionID)
}

// Load reads the credential blob for a session. A missing file is not an
// error: it returns (nil, nil) so the caller starts a fresh pairing.
func (s *Store) Load(sessionID string, legacy bool) ([]byte, error) {
	data, err := os.ReadFile(s.Path(sessionID, legacy))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	return data, nil
}

// Save writes the credential blob atomically: the blob lands in a temp file
// in the same directory and is renamed over the target, so a crash never
// leaves a truncated credential file behind.
func (s *Store) Save(sessionID string, legacy bool, blob []byte) error {
	target := s.Path(sessionID, legacy)

	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp credentials file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp credentials file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing credentials file: %w", err)
	}

	s.logger.Debug("credentials saved", "session_id", sessionID, "legacy", legacy)
	return nil
}

// Delete removes the credential file for a session. Missing files are fine.
func (s *Store) Delete(sessionID string, legacy bool) error {
	err := os.Remove(s.Path(sessionID, legacy))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}

// List enumerates every persisted session identity. Entries that match
// neither naming scheme, and chat-cache files, are skipped.
func (s *Store) List() ([]Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading credentials dir: %w", err)
	}

	var ids []Identity
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, cacheSuffix) {
			continue
		}
		// Leftover from an interrupted Save
		if strings.Contains(name, ".tmp-") {
			continue
		}

		switch {
		case strings.HasPrefix(name, legacyPrefix) && strings.HasSuffix(name, legacySuffix):
			id := strings.TrimSuffix(strings.TrimPrefix(name, legacyPrefix), legacySuffix)
			if id != "" {
				ids = append(ids, Identity{SessionID: id, Legacy: true})
			}
		case strings.HasPrefix(name, mdPrefix):
			id := strings.TrimPrefix(name, mdPrefix)
			if id != "" {
				ids = append(ids, Identity{SessionID: id, Legacy: false})
			}
		default:
			s.logger.Debug("skipping unrecognized file in credentials dir", "name", name)
		}
	}
	return ids, nil
}
