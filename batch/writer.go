// Package batch accumulates row changes into per-partition batches and
// flushes them as delimited text artifacts for the load script.
package batch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/partition"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrPartialFlush is returned when a flush could not write every artifact
var ErrPartialFlush = errors.New("batch flush failed")

const (
	FlushTransaction = "transaction"
	FlushThreshold   = "threshold"

	dirCacheSize = 1024
)

// Config controls where and how artifacts are written
type Config struct {
	Dir             string
	FlushPolicy     string
	MaxRows         int
	MaxBytes        int64
	Compression     string
	Delimiter       rune
	NullValue       string
	IncludeMetadata bool
}

// FromConfiguration converts the TOML batch section
func FromConfiguration(c cfg.BatchConfiguration) Config {
	delim, _ := utf8.DecodeRuneInString(c.Delimiter)
	return Config{
		Dir:             c.StagingDir,
		FlushPolicy:     c.FlushPolicy,
		MaxRows:         c.MaxRows,
		MaxBytes:        c.MaxBytes,
		Compression:     c.Compression,
		Delimiter:       delim,
		NullValue:       c.NullValue,
		IncludeMetadata: c.IncludeMetadata,
	}
}

// Artifact is one flushed file handed to the load script
type Artifact struct {
	Path       string
	Schema     string
	Table      string
	Partition  string
	Columns    []string
	Rows       int
	Bytes      int64 // uncompressed
	FirstSeqno int64
	LastSeqno  int64
	Checksum   uint64 // xxhash64 of the uncompressed content
	Format     Format
}

// Batch is the open accumulation for one (schema, table, partition)
type Batch struct {
	Schema     string
	Table      string
	Partition  string
	Columns    []string
	Rows       int
	FirstSeqno int64
	LastSeqno  int64

	buf bytes.Buffer
}

// Bytes returns the encoded size so far
func (b *Batch) Bytes() int64 {
	return int64(b.buf.Len())
}

type batchKey struct {
	schema    string
	table     string
	partition string
}

// Writer owns the open batches of the applier. It is not safe for
// concurrent use.
type Writer struct {
	cfg     Config
	format  Format
	enc     *encoder
	zenc    *zstd.Encoder
	batches map[batchKey]*Batch

	// dirs remembers directories already created; names remembers the next
	// free artifact index per name prefix.
	dirs  *lru.Cache[string, struct{}]
	names *lru.Cache[string, int]

	rowSeqno int64
	rowID    int64
}

// NewWriter validates c and prepares the staging directory
func NewWriter(c Config) (*Writer, error) {
	if c.Dir == "" {
		return nil, fmt.Errorf("batch directory is required")
	}
	if c.FlushPolicy == "" {
		c.FlushPolicy = FlushTransaction
	}
	if c.FlushPolicy != FlushTransaction && c.FlushPolicy != FlushThreshold {
		return nil, fmt.Errorf("invalid flush policy: %s", c.FlushPolicy)
	}
	if c.Delimiter == 0 {
		c.Delimiter = ','
	}
	if c.Delimiter == quote || c.Delimiter == '\n' {
		return nil, fmt.Errorf("invalid delimiter %q", c.Delimiter)
	}
	if c.NullValue == "" {
		c.NullValue = `\N`
	}
	if strings.ContainsAny(c.NullValue, string([]rune{quote, '\n', '\r', c.Delimiter})) {
		return nil, fmt.Errorf("invalid null marker %q: contains a delimiter, quote or newline", c.NullValue)
	}

	// Artifact paths are handed to loaders that may run elsewhere.
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("batch directory: %w", err)
	}
	c.Dir = dir

	f := Format{Delimiter: c.Delimiter, NullValue: c.NullValue}
	w := &Writer{
		cfg:      c,
		enc:      newEncoder(f),
		batches:  make(map[batchKey]*Batch),
		rowSeqno: -1,
	}

	switch c.Compression {
	case "", "none":
	case "zstd":
		zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		w.zenc = zenc
		f.Compressed = true
	default:
		return nil, fmt.Errorf("invalid compression: %s", c.Compression)
	}
	w.format = f

	if w.dirs, err = lru.New[string, struct{}](dirCacheSize); err != nil {
		return nil, err
	}
	if w.names, err = lru.New[string, int](dirCacheSize); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create batch directory: %w", err)
	}

	return w, nil
}

// Format returns the layout used for artifacts
func (w *Writer) Format() Format {
	return w.format
}

// Append serializes one row into the batch for key. It returns any artifacts
// flushed as a side effect: the previous batch when the column list changed,
// or the batch itself when a threshold was reached.
func (w *Writer) Append(ev *event.Event, row *event.RowChange, key string) ([]Artifact, error) {
	var flushed []Artifact

	k := batchKey{schema: ev.Schema, table: ev.Table, partition: key}
	b := w.batches[k]
	if b != nil && !slices.Equal(b.Columns, row.Columns) {
		a, err := w.flush(k, b, "columns")
		if err != nil {
			return flushed, err
		}
		flushed = append(flushed, a)
		b = nil
	}

	if b == nil {
		b = &Batch{
			Schema:     ev.Schema,
			Table:      ev.Table,
			Partition:  key,
			Columns:    slices.Clone(row.Columns),
			FirstSeqno: ev.Seqno,
		}
		w.batches[k] = b
		telemetry.OpenBatches.Set(float64(len(w.batches)))
	}

	if ev.Seqno != w.rowSeqno {
		w.rowSeqno = ev.Seqno
		w.rowID = 0
	}
	w.rowID++

	first := true
	if w.cfg.IncludeMetadata {
		w.enc.writeField(&b.buf, true, row.Op.String())
		w.enc.writeField(&b.buf, false, ev.Seqno)
		w.enc.writeField(&b.buf, false, w.rowID)
		w.enc.writeField(&b.buf, false, ev.CommitTime)
		first = false
	}
	for _, v := range row.Values {
		w.enc.writeField(&b.buf, first, v)
		first = false
	}
	w.enc.endRow(&b.buf)

	b.Rows++
	b.LastSeqno = ev.Seqno
	telemetry.RowsWrittenTotal.With(ev.Table).Inc()

	if w.cfg.FlushPolicy == FlushThreshold && w.overThreshold(b) {
		a, err := w.flush(k, b, "threshold")
		if err != nil {
			return flushed, err
		}
		flushed = append(flushed, a)
	}

	return flushed, nil
}

func (w *Writer) overThreshold(b *Batch) bool {
	if w.cfg.MaxRows > 0 && b.Rows >= w.cfg.MaxRows {
		return true
	}
	return w.cfg.MaxBytes > 0 && b.Bytes() >= w.cfg.MaxBytes
}

// FlushAll flushes every open batch in key order. On failure it returns the
// artifacts written so far along with an error matching ErrPartialFlush.
func (w *Writer) FlushAll() ([]Artifact, error) {
	keys := make([]batchKey, 0, len(w.batches))
	for k := range w.batches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].schema != keys[j].schema {
			return keys[i].schema < keys[j].schema
		}
		if keys[i].table != keys[j].table {
			return keys[i].table < keys[j].table
		}
		return keys[i].partition < keys[j].partition
	})

	artifacts := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		a, err := w.flush(k, w.batches[k], "commit")
		if err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// Discard drops every open batch without writing it
func (w *Writer) Discard() {
	if len(w.batches) > 0 {
		log.Debug().Int("batches", len(w.batches)).Msg("Discarding open batches")
	}
	clear(w.batches)
	w.rowSeqno = -1
	w.rowID = 0
	telemetry.OpenBatches.Set(0)
}

// Open returns the number of open batches
func (w *Writer) Open() int {
	return len(w.batches)
}

// Close releases the compressor
func (w *Writer) Close() error {
	if w.zenc != nil {
		return w.zenc.Close()
	}
	return nil
}

func (w *Writer) flush(k batchKey, b *Batch, trigger string) (Artifact, error) {
	start := time.Now()

	dir := filepath.Join(w.cfg.Dir, partition.Sanitize(b.Schema), partition.Sanitize(b.Table), b.Partition)
	if err := w.ensureDir(dir); err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrPartialFlush, err)
	}

	plain := b.buf.Bytes()
	content := plain
	if w.zenc != nil {
		content = w.zenc.EncodeAll(plain, make([]byte, 0, len(plain)/2))
	}

	path, err := w.writeFile(dir, b, content)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %s.%s: %w", ErrPartialFlush, b.Schema, b.Table, err)
	}

	a := Artifact{
		Path:       path,
		Schema:     b.Schema,
		Table:      b.Table,
		Partition:  b.Partition,
		Columns:    w.artifactColumns(b.Columns),
		Rows:       b.Rows,
		Bytes:      int64(len(plain)),
		FirstSeqno: b.FirstSeqno,
		LastSeqno:  b.LastSeqno,
		Checksum:   xxhash.Sum64(plain),
		Format:     w.format,
	}

	delete(w.batches, k)
	telemetry.OpenBatches.Set(float64(len(w.batches)))
	telemetry.ArtifactsFlushedTotal.With(trigger).Inc()
	telemetry.ArtifactBytes.Observe(float64(len(content)))
	telemetry.FlushDurationSeconds.Observe(time.Since(start).Seconds())

	log.Debug().
		Str("path", a.Path).
		Str("trigger", trigger).
		Int("rows", a.Rows).
		Int64("first_seqno", a.FirstSeqno).
		Int64("last_seqno", a.LastSeqno).
		Msg("Flushed artifact")

	return a, nil
}

func (w *Writer) artifactColumns(cols []string) []string {
	if !w.cfg.IncludeMetadata {
		return slices.Clone(cols)
	}
	return append(slices.Clone(MetadataColumns), cols...)
}

func (w *Writer) ensureDir(dir string) error {
	if w.dirs.Contains(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	w.dirs.Add(dir, struct{}{})
	return nil
}

// writeFile reserves a unique name with O_EXCL, writes content to a temp
// file, fsyncs it and renames it over the reservation.
func (w *Writer) writeFile(dir string, b *Batch, content []byte) (string, error) {
	prefix := partition.Sanitize(b.Table) + "-" + strconv.FormatInt(b.FirstSeqno, 10)
	ext := ".csv"
	if w.zenc != nil {
		ext = ".csv.zst"
	}

	hintKey := filepath.Join(dir, prefix)
	n, _ := w.names.Get(hintKey)

	var final string
	for {
		final = filepath.Join(dir, prefix+"-"+strconv.Itoa(n)+ext)
		f, err := os.OpenFile(final, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return "", err
		}
		n++
	}
	w.names.Add(hintKey, n+1)

	tmp, err := os.CreateTemp(dir, "."+prefix+"-*.tmp")
	if err != nil {
		os.Remove(final)
		return "", err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
		os.Remove(final)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		os.Remove(final)
		return "", err
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return final, nil
}
