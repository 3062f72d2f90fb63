// Package encoding provides centralized msgpack serialization for batchapply.
// Persisted positions, commit notifications and replay streams all go
// through this package so they decode the same way everywhere.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use. Stream
// encoders and decoders are not.
//
// Type Preservation: When decoding into interface{}, msgpack strings and
// binary both decode as Go strings (not []byte), so row values read back from
// a replay stream compare equal to the values that were written.
package encoding

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/maxpert/batchapply/event"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// EventWriter appends events to a stream as consecutive msgpack values
type EventWriter struct {
	bw  *bufio.Writer
	enc *msgpack.Encoder
}

// NewEventWriter writes events to w. Call Flush when done.
func NewEventWriter(w io.Writer) *EventWriter {
	bw := bufio.NewWriter(w)
	return &EventWriter{bw: bw, enc: msgpack.NewEncoder(bw)}
}

// Write appends one event
func (w *EventWriter) Write(ev *event.Event) error {
	return w.enc.Encode(ev)
}

// Flush writes buffered events to the underlying writer
func (w *EventWriter) Flush() error {
	return w.bw.Flush()
}

// EventReader reads a stream written by EventWriter
type EventReader struct {
	dec *msgpack.Decoder
}

// NewEventReader reads events from r
func NewEventReader(r io.Reader) *EventReader {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	dec.UseLooseInterfaceDecoding(true)
	return &EventReader{dec: dec}
}

// Next returns the next event, or io.EOF at the end of the stream. A stream
// that ends inside an event returns io.ErrUnexpectedEOF.
func (r *EventReader) Next() (*event.Event, error) {
	if _, err := r.dec.PeekCode(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	ev := &event.Event{}
	if err := r.dec.Decode(ev); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return ev, nil
}
