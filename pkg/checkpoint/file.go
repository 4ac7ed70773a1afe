package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore is a durable Store backed by a single JSON file mapping slot
// names to positions. Writes go through a temp file and an atomic rename;
// fsync of the file and its directory is optional.
type FileStore struct {
	path   string
	fsync  bool
	logger kitlog.Logger

	mtx       sync.Mutex
	positions map[string]uint64
}

// NewFileStore opens (or initialises) the checkpoint file at path. A
// missing, empty, or corrupt file starts the store empty; corruption is
// logged rather than fatal so a damaged checkpoint only costs a replay.
func NewFileStore(path string, fsync bool, logger kitlog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating directory for %s: %w", path, err)
	}

	s := &FileStore{
		path:      path,
		fsync:     fsync,
		logger:    logger,
		positions: make(map[string]uint64),
	}
	s.loadFromDisk()
	return s, nil
}

func (s *FileStore) loadFromDisk() {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to read checkpoint file", "path", s.path, "err", err)
		return
	}
	if len(raw) == 0 {
		return
	}
	var data map[string]uint64
	if err := json.Unmarshal(raw, &data); err != nil {
		level.Warn(s.logger).Log("msg", "checkpoint file has invalid format, ignoring", "path", s.path, "err", err)
		return
	}
	s.positions = data
}

func (s *FileStore) Load(slotName string) (uint64, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	position, ok := s.positions[slotName]
	return position, ok, nil
}

func (s *FileStore) Save(slotName string, position uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if current, ok := s.positions[slotName]; ok && position <= current {
		return nil
	}
	s.positions[slotName] = position
	return s.writeLocked()
}

func (s *FileStore) Reset(slotName string, expected, newPosition *uint64, force bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := checkReset(s.positions, slotName, expected, newPosition, force); err != nil {
		return err
	}
	_, exists := s.positions[slotName]
	if !exists && newPosition == nil {
		return nil
	}
	applyReset(s.positions, slotName, newPosition)
	return s.writeLocked()
}

func (s *FileStore) writeLocked() error {
	encoded, err := json.Marshal(s.positions)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding positions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", tmpName, err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("checkpoint: syncing %s: %w", tmpName, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("checkpoint: replacing %s: %w", s.path, err)
	}

	if s.fsync {
		if dirFile, err := os.Open(dir); err == nil {
			_ = dirFile.Sync()
			_ = dirFile.Close()
		}
	}
	return nil
}
