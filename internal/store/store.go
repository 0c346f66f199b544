package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Version is the current on-disk schema version.
const Version = 1

// Data is the persisted learning snapshot: one opaque blob per shade id.
type Data struct {
	Version int                        `json:"version"`
	Shades  map[string]json.RawMessage `json:"shades"`
}

// Store persists predictive learning state as a single JSON file.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot from disk. A missing or malformed file yields an
// empty snapshot rather than an error so the daemon can start fresh.
func (s *Store) Load() Data {
	empty := Data{Version: Version, Shades: map[string]json.RawMessage{}}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warnf("store: cannot read %s, starting fresh: %s", s.path, err)
		}
		return empty
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		logrus.Warnf("store: malformed snapshot in %s, starting fresh: %s", s.path, err)
		return empty
	}
	if data.Shades == nil {
		data.Shades = map[string]json.RawMessage{}
	}
	data.Version = Version
	return data
}

// Save writes the snapshot atomically: a temp file in the same directory is
// renamed over the target so a crash mid-write never truncates the snapshot.
func (s *Store) Save(data Data) error {
	payload, err := json.MarshalIndent(Data{Version: Version, Shades: data.Shades}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode learning snapshot")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp snapshot")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write learning snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write learning snapshot")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

// ClearShade drops a single shade's learning blob, if present.
func (s *Store) ClearShade(shadeID string) error {
	data := s.Load()
	if _, ok := data.Shades[shadeID]; !ok {
		return nil
	}
	delete(data.Shades, shadeID)
	return s.Save(data)
}
