package rowset

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// MarshalParquet encodes rows as a snappy-compressed Parquet file.
func MarshalParquet(rows []Observation) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Observation](&buf, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalParquet decodes a Parquet file produced by MarshalParquet.
func UnmarshalParquet(data []byte) ([]Observation, error) {
	rows, err := parquet.Read[Observation](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return rows, nil
}
