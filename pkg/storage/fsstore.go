package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const registryFile = "registry.json"

// FSStore keeps one JSON file per document in a directory, plus a small
// registry file listing known ids for enumeration.
type FSStore struct {
	dir string
}

// NewFSStore opens (creating if needed) a document directory.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) documentPath(id string) string {
	// Ids are embedded in filenames; path separators in a hostile id
	// must not escape the store directory.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FSStore) Load(id string) ([]byte, error) {
	data, err := os.ReadFile(s.documentPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", id, err)
	}
	return data, nil
}

func (s *FSStore) Save(id, name string, data []byte) error {
	if err := os.WriteFile(s.documentPath(id), data, 0o644); err != nil {
		return fmt.Errorf("storage: save %s: %w", id, err)
	}
	entries, err := s.ListIDs()
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Name = name
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, Entry{ID: id, Name: name})
	}
	return s.writeRegistry(entries)
}

func (s *FSStore) ListIDs() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, registryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("storage: parse registry: %w", err)
	}
	return entries, nil
}

func (s *FSStore) writeRegistry(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, registryFile), data, 0o644); err != nil {
		return fmt.Errorf("storage: write registry: %w", err)
	}
	return nil
}
