package modelstore

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "vehicle|"

var (
	pebbleLower = []byte(pebbleKeyPrefix)
	pebbleUpper = []byte("vehicle}") // '|' + 1
)

// pebbleBackend stores documents under vehicle|<id> keys. Each write is
// synced, so a crash leaves either the old or the new document.
type pebbleBackend struct {
	db   *pebble.DB
	path string
}

func openPebbleBackend(path string) (*pebbleBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model store: pebble path is empty")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("model store: pebble open: %w", err)
	}
	return &pebbleBackend{db: db, path: path}, nil
}

func pebbleKey(id int) []byte {
	return []byte(pebbleKeyPrefix + strconv.Itoa(id))
}

func (b *pebbleBackend) read(id int) ([]byte, error) {
	value, closer, err := b.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (b *pebbleBackend) write(id int, data []byte) error {
	if err := b.db.Set(pebbleKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (b *pebbleBackend) list() ([]int, error) {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleLower,
		UpperBound: pebbleUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var ids []int
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := strconv.Atoi(strings.TrimPrefix(string(iter.Key()), pebbleKeyPrefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, iter.Error()
}

func (b *pebbleBackend) close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *pebbleBackend) name() string { return BackendPebble }
