// Package modelstore persists one learned vehicle model per vehicle id.
// Loading never fails from the caller's point of view (defaults are returned
// on any error) and saving is best-effort: failures are logged and the next
// autosave retries.
package modelstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"shiftecu/model"

	jsoniter "github.com/json-iterator/go"
)

const (
	BackendFile   = "file"
	BackendPebble = "pebble"

	defaultDir       = "data/models"
	defaultQueueSize = 64
)

var (
	errNotFound = errors.New("model not found")
	json        = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Config selects the storage backend.
type Config struct {
	Dir       string `yaml:"dir"`
	Backend   string `yaml:"backend"`    // "file" or "pebble"
	Async     bool   `yaml:"async"`      // persist on a background writer
	QueueSize int    `yaml:"queue_size"` // async queue depth
}

// DefaultConfig returns file-backed, asynchronous storage under data/models.
func DefaultConfig() Config {
	return Config{
		Dir:       defaultDir,
		Backend:   BackendFile,
		Async:     true,
		QueueSize: defaultQueueSize,
	}
}

// Normalize repairs invalid values in place.
func (c *Config) Normalize() {
	c.Dir = strings.TrimSpace(c.Dir)
	if c.Dir == "" {
		c.Dir = defaultDir
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != BackendPebble {
		c.Backend = BackendFile
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

type backend interface {
	read(id int) ([]byte, error)
	write(id int, data []byte) error
	list() ([]int, error)
	close() error
	name() string
}

// Store loads and saves vehicle documents through a backend.
type Store struct {
	backend  backend
	vehicles model.Config

	mu    sync.Mutex
	saved map[int]time.Time
}

// Open creates the storage directory if needed and opens the backend.
func Open(cfg Config, vehicles model.Config) (*Store, error) {
	cfg.Normalize()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("model store: ensure dir: %w", err)
	}
	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case BackendPebble:
		b, err = openPebbleBackend(cfg.Dir)
	default:
		b, err = newFileBackend(cfg.Dir)
	}
	if err != nil {
		return nil, err
	}
	vehicles.Normalize()
	return &Store{backend: b, vehicles: vehicles, saved: make(map[int]time.Time)}, nil
}

// Load returns the persisted model for id, or a default model when nothing
// usable is stored.
func (s *Store) Load(id int) *model.Vehicle {
	if s == nil || s.backend == nil {
		return model.New(id, s.vehicleConfig())
	}
	data, err := s.backend.read(id)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			log.Printf("Model store: load vehicle %d from %s failed: %v (using defaults)", id, s.backend.name(), err)
		}
		return model.New(id, s.vehicles)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("Model store: vehicle %d document is corrupt: %v (using defaults)", id, err)
		return model.New(id, s.vehicles)
	}
	doc.VehicleID = id
	v := model.FromDocument(doc, s.vehicles)
	s.mu.Lock()
	s.saved[id] = v.UpdatedAt
	s.mu.Unlock()
	return v
}

// Save writes doc. Failures are logged and otherwise ignored.
func (s *Store) Save(doc model.Document) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.save(doc); err != nil {
		log.Printf("Model store: save vehicle %d failed: %v", doc.VehicleID, err)
		return
	}
	s.mu.Lock()
	if prev, ok := s.saved[doc.VehicleID]; !ok || doc.UpdatedAt.After(prev) {
		s.saved[doc.VehicleID] = doc.UpdatedAt
	}
	s.mu.Unlock()
}

func (s *Store) save(doc model.Document) error {
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = model.SchemaVersion
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return s.backend.write(doc.VehicleID, data)
}

// SavedAt returns the UpdatedAt of the newest document known to be on disk
// for id, or the zero time.
func (s *Store) SavedAt(id int) time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

// Vehicles lists the stored vehicle ids in ascending order.
func (s *Store) Vehicles() ([]int, error) {
	if s == nil || s.backend == nil {
		return nil, nil
	}
	return s.backend.list()
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	if s == nil || s.backend == nil {
		return ""
	}
	return s.backend.name()
}

// Close releases backend resources.
func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.close()
}

func (s *Store) vehicleConfig() model.Config {
	if s == nil {
		return model.DefaultConfig()
	}
	return s.vehicles
}
