package ability

import (
	"os"
	"strconv"
	"sync"

	"github.com/dimchansky/utfbom"
	pkgerrors "github.com/pkg/errors"
)

// FileStore is the process-local NameStore: a flat id→name JSON file
// carried across CLI invocations. Entries are never invalidated;
// staleness is an accepted tradeoff.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) LoadNames() (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (map[int]string, error) {
	fs, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[int]string{}, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ability: open name cache")
	}
	defer fs.Close()

	var raw map[string]string
	if err := jsonIter.NewDecoder(utfbom.SkipOnly(fs)).Decode(&raw); err != nil {
		return nil, pkgerrors.Wrap(err, "ability: decode name cache")
	}

	names := make(map[int]string, len(raw))
	for key, name := range raw {
		id, err := strconv.Atoi(key)
		if err != nil || id <= 0 || name == "" {
			continue
		}
		names[id] = name
	}
	return names, nil
}

// PutNames merges new entries into the file. Existing entries are kept;
// the cache only ever grows.
func (s *FileStore) PutNames(names map[int]string) error {
	if len(names) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		existing = map[int]string{}
	}
	for id, name := range names {
		existing[id] = name
	}

	raw := make(map[string]string, len(existing))
	for id, name := range existing {
		raw[strconv.Itoa(id)] = name
	}

	// Write-then-rename so a failed write never clobbers the
	// previously persisted cache.
	tmp := s.path + ".tmp"
	fs, err := os.Create(tmp)
	if err != nil {
		return pkgerrors.Wrap(err, "ability: write name cache")
	}
	if err := jsonIter.NewEncoder(fs).Encode(raw); err != nil {
		fs.Close()
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "ability: encode name cache")
	}
	if err := fs.Close(); err != nil {
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "ability: write name cache")
	}
	return pkgerrors.Wrap(os.Rename(tmp, s.path), "ability: commit name cache")
}
