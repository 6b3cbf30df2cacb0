package modelstore

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"shiftecu/model"
)

// AsyncWriter moves document writes off the caller's goroutine. Documents are
// buffered on a bounded channel; when it is full the save is dropped and the
// next autosave tick retries with a fresher snapshot.
type AsyncWriter struct {
	store *Store
	queue chan model.Document

	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped atomic.Int64
	written atomic.Int64
}

// NewAsyncWriter starts the background writer. Close must be called on
// shutdown to flush buffered documents.
func NewAsyncWriter(store *Store, queueSize int) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &AsyncWriter{
		store: store,
		queue: make(chan model.Document, queueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Load reads synchronously; it only happens the first time a vehicle is seen.
func (w *AsyncWriter) Load(id int) *model.Vehicle {
	return w.store.Load(id)
}

// Save enqueues doc without blocking.
func (w *AsyncWriter) Save(doc model.Document) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- doc:
	default:
		d := w.dropped.Add(1)
		if d == 1 || d%1000 == 0 {
			log.Printf("Model store: async writer backpressure, dropped %d saves", d)
		}
	}
}

// SavedAt reports what has actually reached the backend.
func (w *AsyncWriter) SavedAt(id int) time.Time {
	return w.store.SavedAt(id)
}

// Dropped returns how many saves were discarded due to backpressure.
func (w *AsyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns how many documents the writer has handed to the store.
func (w *AsyncWriter) Written() int64 {
	return w.written.Load()
}

// Close drains the queue and closes the underlying store.
func (w *AsyncWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
		w.wg.Wait()
		err = w.store.Close()
	})
	return err
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for doc := range w.queue {
		w.store.Save(doc)
		w.written.Add(1)
	}
}
