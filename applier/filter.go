package applier

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// TableFilter selects which tables are applied using glob patterns. A
// pattern prefixed with "!" excludes; exclusions win over inclusions. With no
// inclusion patterns everything not excluded matches.
type TableFilter struct {
	includeTables  []glob.Glob
	excludeTables  []glob.Glob
	includeSchemas []glob.Glob
	excludeSchemas []glob.Glob
}

// NewTableFilter compiles table and schema patterns
func NewTableFilter(tablePatterns, schemaPatterns []string) (*TableFilter, error) {
	f := &TableFilter{}

	var err error
	if f.includeTables, f.excludeTables, err = compilePatterns("table", tablePatterns); err != nil {
		return nil, err
	}
	if f.includeSchemas, f.excludeSchemas, err = compilePatterns("schema", schemaPatterns); err != nil {
		return nil, err
	}
	return f, nil
}

func compilePatterns(kind string, patterns []string) (include, exclude []glob.Glob, err error) {
	for _, pattern := range patterns {
		target := &include
		if strings.HasPrefix(pattern, "!") {
			pattern = pattern[1:]
			target = &exclude
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		*target = append(*target, g)
	}
	return include, exclude, nil
}

// Match reports whether rows of schema.table should be applied
func (f *TableFilter) Match(schema, table string) bool {
	if f == nil {
		return true
	}
	return matches(schema, f.includeSchemas, f.excludeSchemas) &&
		matches(table, f.includeTables, f.excludeTables)
}

func matches(name string, include, exclude []glob.Glob) bool {
	for _, g := range exclude {
		if g.Match(name) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, g := range include {
		if g.Match(name) {
			return true
		}
	}
	return false
}
