package modelstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	filePrefix = "vehicle_"
	fileSuffix = ".json"
)

// fileBackend keeps one JSON document per vehicle. Writes go to a temp file
// in the same directory and are renamed into place.
type fileBackend struct {
	dir string
}

func newFileBackend(dir string) (*fileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("model store: directory is empty")
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) path(id int) string {
	return filepath.Join(b.dir, filePrefix+strconv.Itoa(id)+fileSuffix)
}

func (b *fileBackend) read(id int) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errNotFound
	}
	return data, err
}

func (b *fileBackend) write(id int, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, "vehicle-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, b.path(id)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (b *fileBackend) list() ([]int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (b *fileBackend) close() error { return nil }

func (b *fileBackend) name() string { return BackendFile }
