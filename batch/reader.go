package batch

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Contents is a decoded artifact
type Contents struct {
	Records  [][]sql.NullString
	Checksum uint64
}

// ReadArtifact reads the file at path using format f
func ReadArtifact(path string, f Format) (*Contents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if f.Compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
	}

	if f.Delimiter == 0 {
		f.Delimiter = ','
	}
	records, err := decode(data, f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &Contents{Records: records, Checksum: xxhash.Sum64(data)}, nil
}

// Read decodes the artifact and verifies its checksum
func (a Artifact) Read() (*Contents, error) {
	c, err := ReadArtifact(a.Path, a.Format)
	if err != nil {
		return nil, err
	}
	if c.Checksum != a.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s: %x != %x", a.Path, c.Checksum, a.Checksum)
	}
	if len(c.Records) != a.Rows {
		return nil, fmt.Errorf("row count mismatch for %s: %d != %d", a.Path, len(c.Records), a.Rows)
	}
	return c, nil
}
