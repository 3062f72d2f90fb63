package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/cfg"
)

// Txn identifies the transaction a loader call belongs to
type Txn struct {
	Seqno      int64
	Epoch      int64
	CommitTime time.Time
}

// Loader is the external load process driven through the lifecycle
type Loader interface {
	Prepare(ctx context.Context) error
	Begin(ctx context.Context, txn Txn) error
	Apply(ctx context.Context, txn Txn, artifact batch.Artifact) error
	Commit(ctx context.Context, txn Txn) error
	Release(ctx context.Context) error
}

// LoaderConfig is everything a loader factory may need
type LoaderConfig struct {
	cfg.LoaderConfiguration
	Service    string
	StagingDir string
}

// LoaderFactory creates a Loader from its configuration
type LoaderFactory func(LoaderConfig) (Loader, error)

var (
	loaderFactories = make(map[string]LoaderFactory)
	loaderMu        sync.RWMutex
)

func init() {
	RegisterLoader("script", func(c LoaderConfig) (Loader, error) {
		return NewScriptLoader(c)
	})
	RegisterLoader("sql", func(c LoaderConfig) (Loader, error) {
		return NewSQLLoader(c)
	})
}

// RegisterLoader registers a loader factory for a type
func RegisterLoader(loaderType string, factory LoaderFactory) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderFactories[loaderType] = factory
}

// NewLoader creates the loader named by c.Type
func NewLoader(c LoaderConfig) (Loader, error) {
	loaderMu.RLock()
	factory, exists := loaderFactories[c.Type]
	loaderMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown loader type: %s", c.Type)
	}
	return factory(c)
}
