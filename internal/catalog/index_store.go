package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/serieslake-io/serieslake/internal/delta"
	"github.com/serieslake-io/serieslake/internal/obstore"
)

// indexRowTolerance allows the key index and the manifest row count to
// drift by a few duplicate-key rows before the pointer/index pair counts
// as divergent.
const indexRowTolerance = 10

type keyRow struct {
	KeyHash string `parquet:"key_hash"`
}

// ReadKeyIndex loads the dataset's fingerprint index; absent reads as empty.
func (c *Catalog) ReadKeyIndex(ctx context.Context, ds string) (*delta.Index, error) {
	data, err := c.store.Get(ctx, c.paths.KeyIndex(ds))
	if errors.Is(err, obstore.ErrNotFound) {
		return delta.NewIndex(nil), nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[keyRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key index for %q: %w", ds, err)
	}
	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.KeyHash
	}
	return delta.NewIndex(hashes), nil
}

// WriteKeyIndex stores the index as a single-column Parquet file, preserving
// index order.
func (c *Catalog) WriteKeyIndex(ctx context.Context, ds string, x *delta.Index) error {
	hashes := x.Hashes()
	rows := make([]keyRow, len(hashes))
	for i, h := range hashes {
		rows[i] = keyRow{KeyHash: h}
	}
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[keyRow](&buf, parquet.Compression(&parquet.Snappy))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("failed to encode key index for %q: %w", ds, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encode key index for %q: %w", ds, err)
	}
	if _, err := c.store.Put(ctx, c.paths.KeyIndex(ds), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write key index for %q: %w", ds, err)
	}
	return nil
}

// ConsistencyReport is the outcome of comparing the key index against the
// published manifest.
type ConsistencyReport struct {
	Consistent bool
	IndexLen   int
	RowsTotal  int
	Detail     string
}

// VerifyConsistency compares the key index size with the current manifest's
// rows_total. A dataset that never published is consistent as long as its
// index is empty.
func (c *Catalog) VerifyConsistency(ctx context.Context, ds string) (*ConsistencyReport, error) {
	m, err := c.ReadCurrentManifest(ctx, ds)
	if err != nil {
		return nil, err
	}
	x, err := c.ReadKeyIndex(ctx, ds)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if x.Len() == 0 {
			return &ConsistencyReport{Consistent: true, Detail: "dataset has never published"}, nil
		}
		return &ConsistencyReport{
			IndexLen: x.Len(),
			Detail:   fmt.Sprintf("index holds %d keys but no version is published", x.Len()),
		}, nil
	}

	report := &ConsistencyReport{IndexLen: x.Len(), RowsTotal: m.Outputs.RowsTotal}
	diff := report.IndexLen - report.RowsTotal
	if diff < 0 {
		diff = -diff
	}
	if diff > indexRowTolerance {
		report.Detail = fmt.Sprintf("index holds %d keys, manifest %s declares %d rows",
			report.IndexLen, m.Version, report.RowsTotal)
		return report, nil
	}
	report.Consistent = true
	return report, nil
}

// RebuildKeyIndex reconstructs the fingerprint index from the published
// event log: it walks the lineage chain from the current pointer oldest
// first, recomputes every row's fingerprint and rewrites the index object.
// With no published version the index is reset to empty.
func (c *Catalog) RebuildKeyIndex(ctx context.Context, ds string, primaryKeys []string) (*delta.Index, error) {
	ptr, _, err := c.ReadPointer(ctx, ds)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		x := delta.NewIndex(nil)
		if err := c.WriteKeyIndex(ctx, ds, x); err != nil {
			return nil, err
		}
		return x, nil
	}

	var chain []*Manifest
	seen := make(map[string]struct{})
	for version := ptr.CurrentVersion; version != ""; {
		if _, dup := seen[version]; dup {
			return nil, fmt.Errorf("lineage cycle at version %q for %q", version, ds)
		}
		seen[version] = struct{}{}
		m, err := c.ReadVersionManifest(ctx, ds, version)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("lineage of %q references missing version %q", ds, version)
		}
		chain = append(chain, m)
		version = m.Lineage.PriorVersion
	}

	// Oldest first, so first-seen order matches publish order.
	var hashes []string
	for i := len(chain) - 1; i >= 0; i-- {
		rows, err := c.ReadEventRows(ctx, chain[i].Outputs.Files)
		if err != nil {
			return nil, fmt.Errorf("failed to read events of version %q: %w", chain[i].Version, err)
		}
		for _, r := range rows {
			h, err := delta.Fingerprint(r, primaryKeys)
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, h)
		}
	}

	x := delta.NewIndex(hashes)
	if err := c.WriteKeyIndex(ctx, ds, x); err != nil {
		return nil, err
	}
	c.log.Info("rebuilt key index", "dataset", ds, "keys", x.Len(), "versions", len(chain))
	return x, nil
}
