package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/serieslake-io/serieslake/internal/obstore"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

// EventIndex lists the versions that wrote event files into one calendar
// month. It is advisory: consolidation walks it, publication never does.
type EventIndex struct {
	Versions []string `json:"versions"`
}

// WriteEvents stores rows as monthly Parquet files under the version's data
// prefix and then records the version in each affected month index. On any
// failure every file already written is deleted best-effort and the original
// error is returned; month indexes are not rolled back, readers tolerate
// entries whose month file is missing.
func (c *Catalog) WriteEvents(ctx context.Context, ds, version string, rows []rowset.Observation) ([]string, error) {
	parts, undated := rowset.PartitionByMonth(rows)

	months := make([]rowset.Month, 0, len(parts))
	for m := range parts {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	type eventFile struct {
		key  string
		rows []rowset.Observation
	}
	files := make([]eventFile, 0, len(months)+1)
	for _, m := range months {
		files = append(files, eventFile{key: c.paths.EventFile(ds, version, m), rows: parts[m]})
	}
	if len(undated) > 0 {
		files = append(files, eventFile{key: c.paths.EventFileUndated(ds, version), rows: undated})
	}
	if len(files) == 0 {
		return nil, nil
	}

	// Data files go first, in parallel; distinct keys never conflict.
	written := make([]bool, len(files))
	var mu sync.Mutex
	group := c.pool.NewGroupContext(ctx)
	for i, f := range files {
		group.SubmitErr(func() error {
			if err := c.WriteRows(ctx, f.key, f.rows); err != nil {
				return err
			}
			mu.Lock()
			written[i] = true
			mu.Unlock()
			return nil
		})
	}
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.key
	}
	if err := group.Wait(); err != nil {
		c.rollbackEventFiles(ctx, keys, written)
		return nil, fmt.Errorf("failed to write event files for %s/%s: %w", ds, version, err)
	}

	// Month indexes update only after every data file landed.
	for _, m := range months {
		if err := c.appendMonthVersion(ctx, ds, m, version); err != nil {
			for i := range written {
				written[i] = true
			}
			c.rollbackEventFiles(ctx, keys, written)
			return nil, fmt.Errorf("failed to update month index %s for %s/%s: %w", m, ds, version, err)
		}
	}

	c.log.Debug("wrote event files", "dataset", ds, "version", version, "files", len(keys), "rows", len(rows))
	return keys, nil
}

func (c *Catalog) rollbackEventFiles(ctx context.Context, keys []string, written []bool) {
	ctx = context.WithoutCancel(ctx)
	for i, key := range keys {
		if !written[i] {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("failed to roll back event file", "key", key, "error", err)
		}
	}
}

func (c *Catalog) appendMonthVersion(ctx context.Context, ds string, m rowset.Month, version string) error {
	idx, err := c.ReadMonthIndex(ctx, ds, m)
	if err != nil {
		return err
	}
	idx.Versions = append(idx.Versions, version)
	sort.Strings(idx.Versions)
	idx.Versions = dedupeSorted(idx.Versions)
	_, err = c.putJSON(ctx, c.paths.MonthIndex(ds, m), idx)
	return err
}

func dedupeSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// ReadMonthIndex returns the month's version list; an absent index reads as
// empty.
func (c *Catalog) ReadMonthIndex(ctx context.Context, ds string, m rowset.Month) (*EventIndex, error) {
	var idx EventIndex
	if _, err := c.getJSON(ctx, c.paths.MonthIndex(ds, m), &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// ListEventFiles lists the data files under one version.
func (c *Catalog) ListEventFiles(ctx context.Context, ds, version string) ([]string, error) {
	return c.store.List(ctx, c.paths.EventDataPrefix(ds, version))
}

// ReadEventRows loads and concatenates the given event files, preserving
// key order.
func (c *Catalog) ReadEventRows(ctx context.Context, keys []string) ([]rowset.Observation, error) {
	group := c.rowsPool.NewGroupContext(ctx)
	for _, key := range keys {
		group.SubmitErr(func() ([]rowset.Observation, error) {
			return c.ReadRows(ctx, key)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, err
	}
	return rowset.Concat(results...), nil
}

// ReadEventRowsTolerant is ReadEventRows for advisory listings: keys that no
// longer exist are skipped.
func (c *Catalog) ReadEventRowsTolerant(ctx context.Context, keys []string) ([]rowset.Observation, error) {
	group := c.rowsPool.NewGroupContext(ctx)
	for _, key := range keys {
		group.SubmitErr(func() ([]rowset.Observation, error) {
			rows, err := c.ReadRows(ctx, key)
			if errors.Is(err, obstore.ErrNotFound) {
				c.log.Debug("skipping missing event file", "key", key)
				return nil, nil
			}
			return rows, err
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, err
	}
	return rowset.Concat(results...), nil
}
