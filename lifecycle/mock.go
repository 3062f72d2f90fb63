package lifecycle

import (
	"context"
	"sync"

	"github.com/maxpert/batchapply/batch"
)

// MockLoader is a Loader for testing. It records every call and fails the
// phases listed in Errors.
type MockLoader struct {
	Errors map[Phase]error

	mu        sync.Mutex
	calls     []MockCall
	artifacts []batch.Artifact
}

// MockCall is one recorded loader call
type MockCall struct {
	Phase    Phase
	Seqno    int64
	Artifact string
}

// FailOn makes every later call to phase return err
func (m *MockLoader) FailOn(phase Phase, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Errors == nil {
		m.Errors = make(map[Phase]error)
	}
	m.Errors[phase] = err
}

func (m *MockLoader) Prepare(ctx context.Context) error {
	return m.record(PhasePrepare, -1, nil)
}

func (m *MockLoader) Begin(ctx context.Context, txn Txn) error {
	return m.record(PhaseBegin, txn.Seqno, nil)
}

func (m *MockLoader) Apply(ctx context.Context, txn Txn, artifact batch.Artifact) error {
	return m.record(PhaseApply, txn.Seqno, &artifact)
}

func (m *MockLoader) Commit(ctx context.Context, txn Txn) error {
	return m.record(PhaseCommit, txn.Seqno, nil)
}

func (m *MockLoader) Release(ctx context.Context) error {
	return m.record(PhaseRelease, -1, nil)
}

// Calls returns a copy of the recorded calls
func (m *MockLoader) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Phases returns the recorded phases in call order
func (m *MockLoader) Phases() []Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Phase, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Phase
	}
	return out
}

// Artifacts returns the artifacts passed to Apply
func (m *MockLoader) Artifacts() []batch.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]batch.Artifact(nil), m.artifacts...)
}

// Reset clears recorded calls
func (m *MockLoader) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.artifacts = nil
}

func (m *MockLoader) record(phase Phase, seqno int64, artifact *batch.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := MockCall{Phase: phase, Seqno: seqno}
	if artifact != nil {
		call.Artifact = artifact.Path
		m.artifacts = append(m.artifacts, *artifact)
	}
	m.calls = append(m.calls, call)

	return m.Errors[phase]
}
