// Package file provides a RecordStore backed by a single quota.json
// document.
//
// Records are written under a "users" object next to the saved "settings":
//
//	{"users": {"<userKey>": {"firstSeen": ..., "blockedUntil": null}}, "settings": {...}}
//
// A document keyed by user at the top level, with no "users" or "settings"
// member, is read as a set of records and rewritten in the layout above on
// the next write.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// document is the on-disk layout.
type document struct {
	Users    map[string]quota.UsageRecord `json:"users"`
	Settings *quota.Settings              `json:"settings,omitempty"`
}

// RecordStore implements ports.RecordStore and ports.SettingsStore on a
// JSON file. Every write rewrites the whole document through a temp file
// and rename, so readers never see a partial file.
type RecordStore struct {
	path string
	perm fs.FileMode

	mu sync.Mutex
}

// Option configures a RecordStore.
type Option func(*RecordStore)

// WithPerm sets the file mode for the document (default 0600).
func WithPerm(perm fs.FileMode) Option {
	return func(s *RecordStore) {
		s.perm = perm
	}
}

// NewRecordStore creates a store for the document at path.
// The parent directory is created if needed; the file itself is created on
// the first write.
func NewRecordStore(path string, opts ...Option) (*RecordStore, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	s := &RecordStore{path: path, perm: 0o600}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return s, nil
}

// Path returns the document path.
func (s *RecordStore) Path() string {
	return s.path
}

// read loads the document. A missing file is an empty document.
func (s *RecordStore) read() (document, error) {
	doc := document{Users: make(map[string]quota.UsageRecord)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return doc, fmt.Errorf("decode %s: %w", s.path, err)
	}
	_, hasUsers := members["users"]
	_, hasSettings := members["settings"]
	if !hasUsers && !hasSettings {
		if err := json.Unmarshal(data, &doc.Users); err != nil {
			return doc, fmt.Errorf("decode %s: %w", s.path, err)
		}
		return doc, nil
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]quota.UsageRecord)
	}
	return doc, nil
}

// write replaces the document atomically.
func (s *RecordStore) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, s.perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Load returns every stored record.
func (s *RecordStore) Load(ctx context.Context) (map[string]quota.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	for k, rec := range doc.Users {
		rec.Normalize()
		doc.Users[k] = rec
	}
	return doc.Users, nil
}

// Save merges records into the document.
func (s *RecordStore) Save(ctx context.Context, records map[string]quota.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for k, rec := range records {
		doc.Users[k] = rec
	}
	return s.write(doc)
}

// Ping checks that the document is readable.
func (s *RecordStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.read()
	return err
}

// Close is a no-op; every write is already on disk.
func (s *RecordStore) Close() error {
	return nil
}

// LoadSettings returns the settings saved in the document.
func (s *RecordStore) LoadSettings(ctx context.Context) (quota.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return quota.Settings{}, err
	}
	if doc.Settings == nil {
		return quota.Settings{}, ports.ErrNotFound
	}
	return *doc.Settings, nil
}

// SaveSettings stores settings in the document.
func (s *RecordStore) SaveSettings(ctx context.Context, settings quota.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Settings = &settings
	return s.write(doc)
}

// Ensure interface compliance.
var (
	_ ports.RecordStore   = (*RecordStore)(nil)
	_ ports.SettingsStore = (*RecordStore)(nil)
)
