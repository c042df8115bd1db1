// Package delta decides which rows of an ingested batch have never been
// published before. Each row is reduced to a fingerprint of its primary-key
// columns; the set of all fingerprints ever published is the dataset's key
// index, stored alongside the data and updated on every publish.
package delta

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/serieslake-io/serieslake/internal/rowset"
)

// Row is an observation annotated with its key fingerprint. The fingerprint
// travels with the row through event writing and index update, but is
// stripped before enrichment so event files never carry it.
type Row struct {
	rowset.Observation
	KeyHash string `parquet:"key_hash"`
}

// Fingerprint hashes the row's primary-key columns, joined with "|" in
// config order, to SHA-1 hex. Column rendering is the canonical one from
// rowset.Observation.FieldString, so recomputing fingerprints from stored
// event files yields identical hashes.
func Fingerprint(row rowset.Observation, primaryKeys []string) (string, error) {
	if len(primaryKeys) == 0 {
		return "", errors.New("primary keys are required")
	}
	key, err := row.KeyString(primaryKeys)
	if err != nil {
		return "", fmt.Errorf("failed to build key string: %w", err)
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// Index is the ordered set of published key fingerprints. Order is
// first-seen and survives updates, so index files stay byte-stable for
// unchanged prefixes.
type Index struct {
	order []string
	seen  map[string]struct{}
}

// NewIndex builds an index from hashes, deduping while preserving the first
// occurrence of each.
func NewIndex(hashes []string) *Index {
	x := &Index{seen: make(map[string]struct{}, len(hashes))}
	for _, h := range hashes {
		x.add(h)
	}
	return x
}

func (x *Index) add(h string) {
	if _, dup := x.seen[h]; dup {
		return
	}
	x.seen[h] = struct{}{}
	x.order = append(x.order, h)
}

// Has reports whether the fingerprint was already published.
func (x *Index) Has(h string) bool {
	if x == nil {
		return false
	}
	_, ok := x.seen[h]
	return ok
}

// Len reports the number of distinct fingerprints.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.order)
}

// Hashes returns a copy of the fingerprints in index order.
func (x *Index) Hashes() []string {
	if x == nil {
		return nil
	}
	out := make([]string, len(x.order))
	copy(out, x.order)
	return out
}

// Compute returns the rows absent from the prior index, in input order,
// each annotated with its fingerprint. A nil prior means everything is new.
// Rows that repeat a key inside the batch are all returned; dedup happens
// at the index level.
func Compute(rows []rowset.Observation, prior *Index, primaryKeys []string) ([]Row, error) {
	var out []Row
	for i, r := range rows {
		h, err := Fingerprint(r, primaryKeys)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if prior.Has(h) {
			continue
		}
		out = append(out, Row{Observation: r, KeyHash: h})
	}
	return out, nil
}

// Update returns a new index holding the prior fingerprints followed by the
// newly added ones, first-seen order, deduped.
func Update(prior *Index, added []Row) *Index {
	x := NewIndex(prior.Hashes())
	for _, r := range added {
		x.add(r.KeyHash)
	}
	return x
}

// Rows strips the fingerprints, returning the bare observations in order.
func Rows(rows []Row) []rowset.Observation {
	out := make([]rowset.Observation, len(rows))
	for i, r := range rows {
		out[i] = r.Observation
	}
	return out
}

// MarshalParquet encodes fingerprinted rows for the run delta artifact.
func MarshalParquet(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf, parquet.Compression(&parquet.Snappy))
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
