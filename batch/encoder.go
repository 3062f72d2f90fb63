package batch

import (
	"bytes"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// TimeLayout is used for every timestamp written into an artifact
const TimeLayout = "2006-01-02 15:04:05.000"

// Metadata column names prefixed to every row when IncludeMetadata is set
var MetadataColumns = []string{"opcode", "seqno", "row_id", "commit_timestamp"}

const quote = '"'

// Format describes the text layout of an artifact
type Format struct {
	Delimiter  rune
	NullValue  string
	Compressed bool
}

// encoder appends delimited rows to a buffer. Non-NULL values are always
// quoted so a NULL (the bare marker) never collides with a value that
// happens to spell the marker.
type encoder struct {
	delim [utf8.UTFMax]byte
	dlen  int
	null  string
}

func newEncoder(f Format) *encoder {
	e := &encoder{null: f.NullValue}
	e.dlen = utf8.EncodeRune(e.delim[:], f.Delimiter)
	return e
}

func (e *encoder) writeField(buf *bytes.Buffer, first bool, v any) {
	if !first {
		buf.Write(e.delim[:e.dlen])
	}
	if v == nil {
		buf.WriteString(e.null)
		return
	}

	s := formatValue(v)
	buf.WriteByte(quote)
	if strings.IndexByte(s, quote) < 0 {
		buf.WriteString(s)
	} else {
		buf.WriteString(strings.ReplaceAll(s, `"`, `""`))
	}
	buf.WriteByte(quote)
}

func (e *encoder) endRow(buf *bytes.Buffer) {
	buf.WriteByte('\n')
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(TimeLayout)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// decode splits artifact content back into records
func decode(data []byte, f Format) ([][]sql.NullString, error) {
	var (
		records [][]sql.NullString
		record  []sql.NullString
		line    = 1
	)

	for i := 0; i < len(data); {
		var field sql.NullString

		if data[i] == quote {
			var sb strings.Builder
			j := i + 1
			for {
				if j >= len(data) {
					return nil, fmt.Errorf("line %d: unterminated quoted field", line)
				}
				if data[j] == quote {
					if j+1 < len(data) && data[j+1] == quote {
						sb.WriteByte(quote)
						j += 2
						continue
					}
					j++
					break
				}
				if data[j] == '\n' {
					line++
				}
				sb.WriteByte(data[j])
				j++
			}
			field = sql.NullString{String: sb.String(), Valid: true}
			i = j
		} else {
			j := i
			for j < len(data) && data[j] != '\n' && !hasDelimiter(data[j:], f.Delimiter) {
				j++
			}
			raw := string(data[i:j])
			field = sql.NullString{String: raw, Valid: raw != f.NullValue}
			i = j
		}
		record = append(record, field)

		switch {
		case i >= len(data):
			return nil, fmt.Errorf("line %d: missing row terminator", line)
		case data[i] == '\n':
			records = append(records, record)
			record = nil
			line++
			i++
		case hasDelimiter(data[i:], f.Delimiter):
			_, size := utf8.DecodeRune(data[i:])
			i += size
		default:
			return nil, fmt.Errorf("line %d: unexpected %q after quoted field", line, data[i])
		}
	}

	return records, nil
}

func hasDelimiter(b []byte, delim rune) bool {
	r, _ := utf8.DecodeRune(b)
	return r == delim
}
