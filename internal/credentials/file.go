package credentials

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"tgtg_items_updater/internal/domain"
)

// FileSource serves provider credentials read from a JSON file. The loaded
// value is shared read-only between workers; Reload swaps it atomically.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	creds domain.Credentials
}

// NewFileSource loads the file once and fails if it is missing or incomplete.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	s := &FileSource{
		path:   path,
		logger: logger.With("component", "credentials"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Credentials returns the current credentials.
func (s *FileSource) Credentials() domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Reload re-reads the file. On failure the previous credentials stay in place.
func (s *FileSource) Reload() error {
	creds, err := readFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	s.logger.Info("credentials loaded", "path", s.path)
	return nil
}

func readFile(path string) (domain.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}

	var creds domain.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return domain.Credentials{}, fmt.Errorf("invalid credentials file: %w", err)
	}
	return creds, nil
}
