package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrCorruptState marks a record that exists on disk but cannot be parsed.
// Corrupt records are never silently recreated.
var ErrCorruptState = errors.New("state record is corrupt")

// Store persists run records as one JSON document per feature. Writes are
// atomic: a reader observes either the previous record or the new one,
// never a partial write.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk path of a feature's record.
func (s *Store) Path(feature string) string {
	return filepath.Join(s.dir, feature+".json")
}

func validateFeatureName(feature string) error {
	if feature == "" {
		return fmt.Errorf("feature name cannot be empty")
	}
	if filepath.Base(feature) != feature {
		return fmt.Errorf("invalid feature name %q: path traversal characters detected", feature)
	}
	return nil
}

// Load reads a feature's record. Returns (nil, nil) when no record exists.
// A record that exists but does not parse is a hard failure.
func (s *Store) Load(feature string) (*RunRecord, error) {
	if err := validateFeatureName(feature); err != nil {
		return nil, err
	}

	// A concurrent Save replaces the file via rename; retry once if the
	// read races the swap.
	var data []byte
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		data, err = os.ReadFile(s.Path(feature))
		if err == nil || !os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state record: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, feature, err)
	}
	return &record, nil
}

// Save atomically replaces a feature's record: write to a temp file in the
// same directory, fsync, then rename over the target.
func (s *Store) Save(feature string, record *RunRecord) error {
	if err := validateFeatureName(feature); err != nil {
		return err
	}

	record.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+feature+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path(feature)); err != nil {
		return fmt.Errorf("failed to install state record: %w", err)
	}
	return nil
}

// Exists reports whether a record is present for the feature.
func (s *Store) Exists(feature string) bool {
	if err := validateFeatureName(feature); err != nil {
		return false
	}
	_, err := os.Stat(s.Path(feature))
	return err == nil
}

// List returns the features with a stored record, sorted by filename order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var features []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		features = append(features, strings.TrimSuffix(name, ".json"))
	}
	return features, nil
}
