package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowChange_Validate(t *testing.T) {
	row := RowChange{Op: OpInsert, Columns: []string{"id", "name"}, Values: []any{1, nil}}
	require.NoError(t, row.Validate())

	dup := RowChange{Columns: []string{"id", "id"}, Values: []any{1, 2}}
	assert.ErrorContains(t, dup.Validate(), "duplicate column")

	short := RowChange{Columns: []string{"id", "name"}, Values: []any{1}}
	assert.Error(t, short.Validate())
}

func TestRowChange_Value(t *testing.T) {
	row := RowChange{Columns: []string{"id", "name"}, Values: []any{7, "x"}}

	v, ok := row.Value("name")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = row.Value("missing")
	assert.False(t, ok)
}

func TestEvent_Validate(t *testing.T) {
	ev := &Event{Seqno: 3, Table: "t", Rows: []RowChange{{Columns: []string{"a"}, Values: []any{1}}}}
	require.NoError(t, ev.Validate())

	ev.Seqno = -1
	assert.Error(t, ev.Validate())

	noTable := &Event{Seqno: 1, Rows: []RowChange{{Columns: []string{"a"}, Values: []any{1}}}}
	assert.Error(t, noTable.Validate())

	badRow := &Event{Seqno: 1, Table: "t", Rows: []RowChange{{Columns: []string{"a", "a"}, Values: []any{1, 2}}}}
	assert.ErrorContains(t, badRow.Validate(), "row 0")
}

func TestEvent_Header(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := &Event{Seqno: 42, Epoch: 7, Fragno: 2, LastFrag: true, CommitTime: ts, Table: "t"}

	h := ev.Header()
	assert.Equal(t, int64(42), h.Seqno)
	assert.Equal(t, int64(7), h.Epoch)
	assert.Equal(t, 2, h.Fragno)
	assert.True(t, h.LastFrag)
	assert.Equal(t, ts, h.CommitTime)
	assert.False(t, h.IsZero())
	assert.True(t, NoHeader.IsZero())
}

func TestOperation_String(t *testing.T) {
	assert.Equal(t, "I", OpInsert.String())
	assert.Equal(t, "U", OpUpdate.String())
	assert.Equal(t, "D", OpDelete.String())
	assert.Equal(t, "?9", Operation(9).String())
}
