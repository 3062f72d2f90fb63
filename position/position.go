// Package position persists the last committed transaction header so an
// applier restarted after a crash skips work the load script already
// committed.
package position

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/batchapply/encoding"
	"github.com/maxpert/batchapply/event"
	"github.com/rs/zerolog/log"
)

const prefixPosition = "/position/" // /position/{service} -> msgpack(event.Header)

// Pebble configuration, sized for one small key rewritten per transaction
const (
	memTableSize          = 4 << 20 // 4MB
	l0CompactionThreshold = 2
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("position store is closed")

// Store is a Pebble-backed map of service name to committed header
type Store struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// Open creates or opens the position store at dir
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open position store at %s: %w", dir, err)
	}

	return &Store{db: db, path: dir}, nil
}

// Load returns the committed header for service, or event.NoHeader if none
// has been saved
func (s *Store) Load(service string) (event.Header, error) {
	if s.closed.Load() {
		return event.NoHeader, ErrClosed
	}

	val, closer, err := s.db.Get(positionKey(service))
	if err == pebble.ErrNotFound {
		return event.NoHeader, nil
	}
	if err != nil {
		return event.NoHeader, err
	}
	defer closer.Close()

	var h event.Header
	if err := encoding.Unmarshal(val, &h); err != nil {
		return event.NoHeader, fmt.Errorf("corrupt position for %s: %w", service, err)
	}
	return h, nil
}

// Save durably records h as the committed position of service
func (s *Store) Save(service string, h event.Header) error {
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := encoding.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Set(positionKey(service), data, pebble.Sync)
}

// Delete forgets the position of service
func (s *Store) Delete(service string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Delete(positionKey(service), pebble.Sync)
}

// Close closes the underlying database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debug().Str("path", s.path).Msg("Closing position store")
	return s.db.Close()
}

func positionKey(service string) []byte {
	return []byte(prefixPosition + service)
}
