package partition

import (
	"fmt"
	"strings"
	"time"

	"github.com/vjeantet/jodaTime"
)

// Pattern formats timestamps using the Joda/SimpleDateFormat-style patterns found
// in existing batch-apply configurations, e.g.
// 'commit_date='yyyy-MM-dd'-commit_hour='HH
//
// Supported fields: yyyy yy MM dd HH mm ss SSS. Text in single quotes is
// literal and '' is a literal quote. Other ASCII letters are rejected so a
// typo cannot silently produce a constant partition.
type Pattern struct {
	source string
	parts  []patternPart
}

type patternPart struct {
	literal string
	field   byte   // 0 for literals
	token   string // e.g. yyyy
}

// CompilePattern parses a date pattern
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty date pattern")
	}

	p := &Pattern{source: pattern}
	var lit strings.Builder
	flushLiteral := func() {
		if lit.Len() > 0 {
			p.parts = append(p.parts, patternPart{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '\'':
			// '' outside quotes is an escaped quote
			if i+1 < len(pattern) && pattern[i+1] == '\'' {
				lit.WriteByte('\'')
				i += 2
				continue
			}
			j := i + 1
			for {
				if j >= len(pattern) {
					return nil, fmt.Errorf("unterminated quote in date pattern %q", pattern)
				}
				if pattern[j] == '\'' {
					if j+1 < len(pattern) && pattern[j+1] == '\'' {
						lit.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				lit.WriteByte(pattern[j])
				j++
			}
			i = j + 1
		case isASCIILetter(c):
			j := i
			for j < len(pattern) && pattern[j] == c {
				j++
			}
			width := j - i
			if err := checkField(c, width); err != nil {
				return nil, fmt.Errorf("date pattern %q: %w", pattern, err)
			}
			flushLiteral()
			p.parts = append(p.parts, patternPart{field: c, token: pattern[i:j]})
			i = j
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flushLiteral()

	return p, nil
}

func checkField(c byte, width int) error {
	switch c {
	case 'y':
		if width != 2 && width != 4 {
			return fmt.Errorf("year must be yy or yyyy")
		}
	case 'M', 'd', 'H', 'm', 's':
		if width != 2 {
			return fmt.Errorf("field %c must be two letters wide", c)
		}
	case 'S':
		if width != 3 {
			return fmt.Errorf("milliseconds must be SSS")
		}
	default:
		return fmt.Errorf("unsupported field %q", string(c))
	}
	return nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Format renders t with the pattern. Fields go through jodaTime one at a
// time so quoting stays under the compiled pattern's rules.
func (p *Pattern) Format(t time.Time) string {
	var b strings.Builder
	for _, part := range p.parts {
		if part.field == 0 {
			b.WriteString(part.literal)
			continue
		}
		b.WriteString(jodaTime.Format(part.token, t))
	}
	return b.String()
}

// String returns the source pattern
func (p *Pattern) String() string {
	return p.source
}
