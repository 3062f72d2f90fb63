// Package partition maps events and rows to partition keys.
//
// Strategies form a closed set registered by name (identity, time, column);
// New builds the one named in the configuration. Keys are plain strings used
// as a directory name for the batch writer, so they are sanitized for the
// file system.
package partition

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/event"
)

// Granularity controls how often a key is computed
type Granularity string

const (
	// PerTransaction computes one key per event; row is always nil
	PerTransaction Granularity = "transaction"
	// PerRow computes a key for every row
	PerRow Granularity = "row"
)

// Partitioner computes the partition key for an event or one of its rows.
// Implementations must be pure: the same input and configuration always
// produce the same key.
type Partitioner interface {
	Key(ev *event.Event, row *event.RowChange) (string, error)
}

// Config selects and parameterizes a strategy
type Config struct {
	Strategy    string
	Column      string
	Format      string
	Location    *time.Location
	Granularity Granularity
}

// FromConfiguration converts the TOML partition section
func FromConfiguration(c cfg.PartitionConfiguration) (Config, error) {
	loc := time.UTC
	if c.TimeZone != "" {
		var err error
		loc, err = time.LoadLocation(c.TimeZone)
		if err != nil {
			return Config{}, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
		}
	}
	return Config{
		Strategy:    c.Strategy,
		Column:      c.Column,
		Format:      c.Format,
		Location:    loc,
		Granularity: Granularity(c.Granularity),
	}, nil
}

// Factory builds a partitioner from its configuration
type Factory func(Config) (Partitioner, error)

var (
	factories  = make(map[string]Factory)
	factoryMu  sync.RWMutex
	keyReplace = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
)

func init() {
	Register("identity", func(Config) (Partitioner, error) {
		return identity{}, nil
	})
	Register("time", newTimeBucket)
	Register("column", newColumn)
}

// Register adds a strategy under name
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// New builds the partitioner named by c.Strategy
func New(c Config) (Partitioner, error) {
	if c.Strategy == "" {
		c.Strategy = "identity"
	}
	if c.Granularity == "" {
		c.Granularity = PerTransaction
	}
	if c.Granularity != PerTransaction && c.Granularity != PerRow {
		return nil, fmt.Errorf("unknown partition granularity: %s", c.Granularity)
	}
	if c.Location == nil {
		c.Location = time.UTC
	}

	factoryMu.RLock()
	factory, exists := factories[c.Strategy]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown partition strategy: %s", c.Strategy)
	}
	return factory(c)
}

// Sanitize makes a key safe to use as a single path element
func Sanitize(key string) string {
	key = keyReplace.Replace(key)
	if key == "." || key == ".." {
		return "_"
	}
	return key
}

// identity puts everything in one unnamed partition
type identity struct{}

func (identity) Key(*event.Event, *event.RowChange) (string, error) {
	return "", nil
}

// timeBucket formats the event commit time
type timeBucket struct {
	pattern *Pattern
	loc     *time.Location
}

func newTimeBucket(c Config) (Partitioner, error) {
	p, err := CompilePattern(c.Format)
	if err != nil {
		return nil, err
	}
	return &timeBucket{pattern: p, loc: c.Location}, nil
}

func (tb *timeBucket) Key(ev *event.Event, _ *event.RowChange) (string, error) {
	if ev.CommitTime.IsZero() {
		return "", fmt.Errorf("seqno %d has no commit timestamp", ev.Seqno)
	}
	return Sanitize(tb.pattern.Format(ev.CommitTime.In(tb.loc))), nil
}

// column partitions by a row column. A time.Time value is formatted with the
// pattern, other values are rendered as text. A missing or NULL column, and
// the commit timestamp pseudo-column, fall back to the event commit time.
type column struct {
	name     string
	fallback *timeBucket
}

func newColumn(c Config) (Partitioner, error) {
	if c.Column == "" {
		return nil, fmt.Errorf("column partitioning requires a column name")
	}
	if c.Granularity == PerTransaction && !cfg.IsCommitTimestampColumn(c.Column) {
		return nil, fmt.Errorf("column %q requires row granularity", c.Column)
	}
	tb, err := newTimeBucket(c)
	if err != nil {
		return nil, err
	}
	return &column{name: c.Column, fallback: tb.(*timeBucket)}, nil
}

func (cp *column) Key(ev *event.Event, row *event.RowChange) (string, error) {
	if row == nil || cfg.IsCommitTimestampColumn(cp.name) {
		return cp.fallback.Key(ev, nil)
	}

	v, ok := row.Value(cp.name)
	if !ok || v == nil {
		return cp.fallback.Key(ev, nil)
	}

	switch val := v.(type) {
	case time.Time:
		return Sanitize(cp.fallback.pattern.Format(val.In(cp.fallback.loc))), nil
	case []byte:
		return Sanitize(string(val)), nil
	case string:
		return Sanitize(val), nil
	default:
		return Sanitize(fmt.Sprint(val)), nil
	}
}
