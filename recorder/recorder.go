// Package recorder persists a bounded number of accepted learning samples per
// vehicle and gear to SQLite for offline analysis without slowing the control
// loop.
package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultPath         = "data/recordings/samples.db"
	defaultPerGearLimit = 20000
	defaultQueueSize    = 4096
)

// Config controls the optional sample recorder.
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	PerGearLimit int    `yaml:"per_gear_limit"`
	QueueSize    int    `yaml:"queue_size"`
}

// DefaultConfig returns a disabled recorder writing to data/recordings.
func DefaultConfig() Config {
	return Config{
		Path:         defaultPath,
		PerGearLimit: defaultPerGearLimit,
		QueueSize:    defaultQueueSize,
	}
}

// Normalize repairs invalid values in place.
func (c *Config) Normalize() {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.PerGearLimit <= 0 {
		c.PerGearLimit = defaultPerGearLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Entry is one accepted gear-learning sample.
type Entry struct {
	VehicleID int
	Gear      int
	RPM       float64
	Proxy     float64
	Speed     float64
	Accel     float64
	Throttle  float64
	At        time.Time
}

type gearKey struct {
	vehicle int
	gear    int
}

// Recorder writes entries on a background goroutine. When the queue is full
// entries are dropped and counted.
type Recorder struct {
	db    *sql.DB
	stmt  *sql.Stmt
	limit int
	queue chan Entry

	mu     sync.Mutex
	counts map[gearKey]int
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped  atomic.Int64
	errCount atomic.Int64
}

// NewRecorder opens (or creates) the SQLite database at cfg.Path and ensures
// the schema exists.
func NewRecorder(cfg Config) (*Recorder, error) {
	cfg.Normalize()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	stmt, err := db.Prepare(`
INSERT INTO gear_samples (
    vehicle_id, gear, rpm, proxy, speed, accel, throttle, observed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: prepare insert: %w", err)
	}
	r := &Recorder{
		db:     db,
		stmt:   stmt,
		limit:  cfg.PerGearLimit,
		queue:  make(chan Entry, cfg.QueueSize),
		counts: make(map[gearKey]int),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS gear_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    vehicle_id INTEGER,
    gear INTEGER,
    rpm REAL,
    proxy REAL,
    speed REAL,
    accel REAL,
    throttle REAL,
    observed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_gear_samples_vehicle_gear ON gear_samples(vehicle_id, gear);`
	_, err := db.Exec(schema)
	return err
}

// Record enqueues e if the per-gear limit has not been reached. It never
// blocks.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	key := gearKey{vehicle: e.VehicleID, gear: e.Gear}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	count := r.counts[key]
	if count >= r.limit {
		return
	}
	select {
	case r.queue <- e:
		r.counts[key] = count + 1
	default:
		d := r.dropped.Add(1)
		if d == 1 || d%1000 == 0 {
			log.Printf("Recorder: backpressure, dropped %d samples", d)
		}
	}
}

// Dropped returns how many entries were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Count returns the number of stored rows for vehicle/gear. A gear below 1
// counts every gear of the vehicle.
func (r *Recorder) Count(vehicleID, gear int) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("recorder: closed")
	}
	var (
		n   int
		err error
	)
	if gear < 1 {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM gear_samples WHERE vehicle_id = ?`, vehicleID).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM gear_samples WHERE vehicle_id = ? AND gear = ?`, vehicleID, gear).Scan(&n)
	}
	return n, err
}

// Close flushes queued entries and closes the database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var closeErr error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
		if r.stmt != nil {
			r.stmt.Close()
		}
		closeErr = r.db.Close()
	})
	return closeErr
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		if err := r.insert(e); err != nil {
			n := r.errCount.Add(1)
			if n == 1 || n%1000 == 0 {
				log.Printf("Recorder: failed to insert sample (%d errors): %v", n, err)
			}
		}
	}
}

func (r *Recorder) insert(e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.stmt.Exec(
		e.VehicleID,
		e.Gear,
		e.RPM,
		e.Proxy,
		e.Speed,
		e.Accel,
		e.Throttle,
		at.UTC().UnixMilli(),
	)
	return err
}
