// Package event defines the transaction representation flowing through the
// batch-apply pipeline and the lightweight Header kept for watermarking.
package event

import (
	"fmt"
	"time"
)

// Operation is the kind of row change
type Operation uint8

const (
	OpInsert Operation = 0
	OpUpdate Operation = 1
	OpDelete Operation = 2
)

// String returns the single-letter opcode written into artifacts
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "I"
	case OpUpdate:
		return "U"
	case OpDelete:
		return "D"
	default:
		return fmt.Sprintf("?%d", uint8(o))
	}
}

// RowChange is one changed row. Values are positional to Columns; a nil
// value is SQL NULL.
type RowChange struct {
	Op      Operation `msgpack:"op"`
	Columns []string  `msgpack:"cols"`
	Values  []any     `msgpack:"vals"`
}

// Validate checks column names are unique and values line up with them
func (r *RowChange) Validate() error {
	if len(r.Columns) != len(r.Values) {
		return fmt.Errorf("row has %d columns but %d values", len(r.Columns), len(r.Values))
	}
	seen := make(map[string]struct{}, len(r.Columns))
	for _, name := range r.Columns {
		if name == "" {
			return fmt.Errorf("row has an empty column name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Value returns the value for the named column
func (r *RowChange) Value(column string) (any, bool) {
	for i, name := range r.Columns {
		if name == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Event is one committed transaction, or one fragment of it. Seqno is
// assigned upstream and is shared by every fragment of a transaction.
// Events must not be modified once they are handed to a store.
type Event struct {
	Seqno      int64       `msgpack:"seqno"`
	Epoch      int64       `msgpack:"epoch"`
	Fragno     int         `msgpack:"frag"`
	LastFrag   bool        `msgpack:"last"`
	SourceTime time.Time   `msgpack:"src_ts"`
	CommitTime time.Time   `msgpack:"commit_ts"`
	Schema     string      `msgpack:"schema"`
	Table      string      `msgpack:"table"`
	Rows       []RowChange `msgpack:"rows"`
}

// Validate checks the structural invariants of an event
func (e *Event) Validate() error {
	if e.Seqno < 0 {
		return fmt.Errorf("invalid seqno %d", e.Seqno)
	}
	if e.Fragno < 0 {
		return fmt.Errorf("invalid fragno %d for seqno %d", e.Fragno, e.Seqno)
	}
	if e.Table == "" && len(e.Rows) > 0 {
		return fmt.Errorf("seqno %d has rows but no table", e.Seqno)
	}
	for i := range e.Rows {
		if err := e.Rows[i].Validate(); err != nil {
			return fmt.Errorf("seqno %d row %d: %w", e.Seqno, i, err)
		}
	}
	return nil
}

// Header projects the fields needed for watermark bookkeeping
func (e *Event) Header() Header {
	return Header{
		Seqno:      e.Seqno,
		Epoch:      e.Epoch,
		Fragno:     e.Fragno,
		LastFrag:   e.LastFrag,
		CommitTime: e.CommitTime,
	}
}

// Header is what remains of an event once its payload is no longer needed
type Header struct {
	Seqno      int64     `msgpack:"seqno"`
	Epoch      int64     `msgpack:"epoch"`
	Fragno     int       `msgpack:"frag"`
	LastFrag   bool      `msgpack:"last"`
	CommitTime time.Time `msgpack:"commit_ts"`
}

// NoHeader is the watermark of a store that has committed nothing yet
var NoHeader = Header{Seqno: -1}

// IsZero reports whether h is the empty watermark
func (h Header) IsZero() bool {
	return h.Seqno < 0
}

func (h Header) String() string {
	return fmt.Sprintf("seqno=%d epoch=%d frag=%d last=%t", h.Seqno, h.Epoch, h.Fragno, h.LastFrag)
}
