package pipeline

import (
	"fmt"

	"github.com/maxpert/batchapply/store"
	"github.com/maxpert/batchapply/watch"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeSpec struct {
	name     string
	capacity int
}

type stageSpec struct {
	name  string
	in    string
	out   string
	stage Stage
}

// Builder collects the wiring table of a pipeline. Stores are named queues;
// each stage reads at most one store and writes at most one. An empty store
// name means the stage has no input (a source) or no output (a sink).
type Builder struct {
	stores []storeSpec
	stages []stageSpec
}

// NewBuilder returns an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// AddStore declares a store holding at most capacity events
func (b *Builder) AddStore(name string, capacity int) *Builder {
	b.stores = append(b.stores, storeSpec{name: name, capacity: capacity})
	return b
}

// AddStage declares a stage reading from in and writing to out
func (b *Builder) AddStage(name, in, out string, stage Stage) *Builder {
	b.stages = append(b.stages, stageSpec{name: name, in: in, out: out, stage: stage})
	return b
}

// Build validates the wiring and creates the stores. Stages are ordered so
// a writer of a store always comes before its reader; the commit watch
// registry listens on the input store of the last stage.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}

	stores := xsync.NewMapOf[string, *store.Store]()
	for _, s := range b.stores {
		if s.name == "" {
			return nil, fmt.Errorf("store name is required")
		}
		if s.capacity < 1 {
			return nil, fmt.Errorf("store %s: capacity must be >= 1", s.name)
		}
		if _, loaded := stores.LoadOrStore(s.name, store.New(s.name, s.capacity)); loaded {
			return nil, fmt.Errorf("duplicate store %s", s.name)
		}
	}

	readers := make(map[string]int)
	writers := make(map[string]int)
	names := make(map[string]struct{})
	for i, st := range b.stages {
		if st.name == "" {
			return nil, fmt.Errorf("stage name is required")
		}
		if st.stage == nil {
			return nil, fmt.Errorf("stage %s has no implementation", st.name)
		}
		if _, dup := names[st.name]; dup {
			return nil, fmt.Errorf("duplicate stage %s", st.name)
		}
		names[st.name] = struct{}{}

		if st.in != "" {
			if _, ok := stores.Load(st.in); !ok {
				return nil, fmt.Errorf("stage %s reads unknown store %s", st.name, st.in)
			}
			if prev, taken := readers[st.in]; taken {
				return nil, fmt.Errorf("store %s has two readers: %s and %s", st.in, b.stages[prev].name, st.name)
			}
			readers[st.in] = i
		}
		if st.out != "" {
			if _, ok := stores.Load(st.out); !ok {
				return nil, fmt.Errorf("stage %s writes unknown store %s", st.name, st.out)
			}
			if prev, taken := writers[st.out]; taken {
				return nil, fmt.Errorf("store %s has two writers: %s and %s", st.out, b.stages[prev].name, st.name)
			}
			writers[st.out] = i
		}
	}

	order, err := b.topoOrder(readers)
	if err != nil {
		return nil, err
	}

	last := b.stages[order[len(order)-1]]
	if last.in == "" {
		return nil, fmt.Errorf("last stage %s has no input store to commit against", last.name)
	}
	commitStore, _ := stores.Load(last.in)

	registry := watch.NewRegistry()
	commitStore.AddListener(registry)

	p := newPipeline(stores, commitStore, registry)
	for _, i := range order {
		st := b.stages[i]
		r := &stageRunner{name: st.name, stage: st.stage}
		if st.in != "" {
			r.in, _ = stores.Load(st.in)
		}
		if st.out != "" {
			r.out, _ = stores.Load(st.out)
		}
		p.stages = append(p.stages, r)
	}

	return p, nil
}

// topoOrder sorts stages along store edges (writer before reader) and
// rejects cycles
func (b *Builder) topoOrder(readers map[string]int) ([]int, error) {
	indegree := make([]int, len(b.stages))
	next := make([]int, len(b.stages))
	for i := range next {
		next[i] = -1
	}
	for i, st := range b.stages {
		if st.out == "" {
			continue
		}
		if r, ok := readers[st.out]; ok {
			next[i] = r
			indegree[r]++
		}
	}

	queue := make([]int, 0, len(b.stages))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(b.stages))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		if n := next[i]; n >= 0 {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
			}
		}
	}

	if len(order) != len(b.stages) {
		return nil, fmt.Errorf("pipeline stages form a cycle")
	}
	return order, nil
}
