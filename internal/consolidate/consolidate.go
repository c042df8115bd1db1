// Package consolidate rebuilds per-series monthly projections from the
// event log.
//
// Each month is consolidated independently under a write-ahead protocol:
// every series file is staged to a .tmp key first, and only when all of
// them are in place are they copied to their final keys. A consolidation
// manifest brackets the work (in_progress before, completed after), so a
// crash at any point leaves either the old projections or the new ones,
// never a mix, and the next consolidation of the month converges.
package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/serieslake-io/serieslake/internal/catalog"
	"github.com/serieslake-io/serieslake/internal/clock"
	"github.com/serieslake-io/serieslake/internal/obstore"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

// Consolidation manifest statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Manifest records one month's consolidation state.
type Manifest struct {
	Status    string   `json:"status"`
	UpdatedAt string   `json:"updated_at"`
	Versions  []string `json:"versions"`
	Series    []string `json:"series"`
	Rows      int      `json:"rows"`
}

// Config wires the Consolidator.
type Config struct {
	Logger  *slog.Logger
	Catalog *catalog.Catalog
	Clock   clock.Clock
}

func (c *Config) Validate() error {
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.New(nil)
	}
	return nil
}

// Consolidator rebuilds monthly projections.
type Consolidator struct {
	log   *slog.Logger
	cat   *catalog.Catalog
	clock clock.Clock
}

func New(cfg Config) (*Consolidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Consolidator{log: cfg.Logger, cat: cfg.Catalog, clock: cfg.Clock}, nil
}

// Run consolidates every month the delta touches, ascending. Months in the
// affected set always re-consolidate: new data invalidates whatever state
// their manifest records. A failed month is logged and skipped so one bad
// month never blocks the rest; the count of failed months is returned for
// metrics. Cancellation stops the loop.
func (c *Consolidator) Run(ctx context.Context, ds string, primaryKeys []string, deltaRows []rowset.Observation) int {
	months := rowset.Months(deltaRows)
	failed := 0
	for _, m := range months {
		if err := c.consolidateMonth(ctx, ds, primaryKeys, m); err != nil {
			failed++
			c.log.Error("failed to consolidate month", "dataset", ds, "month", m.String(), "error", err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return failed
}

// ConsolidateMonth rebuilds one month, the manual/repair path. Without
// force, a month whose manifest reads completed is left alone.
func (c *Consolidator) ConsolidateMonth(ctx context.Context, ds string, primaryKeys []string, m rowset.Month, force bool) error {
	if !force {
		man, err := c.ReadManifest(ctx, ds, m)
		if err != nil {
			return err
		}
		if man != nil && man.Status == StatusCompleted {
			c.log.Info("month already consolidated", "dataset", ds, "month", m.String())
			return nil
		}
	}
	return c.consolidateMonth(ctx, ds, primaryKeys, m)
}

func (c *Consolidator) consolidateMonth(ctx context.Context, ds string, primaryKeys []string, m rowset.Month) (err error) {
	defer func() {
		if err != nil {
			c.cleanupTmp(context.WithoutCancel(ctx), ds, m)
		}
	}()

	// Stale tmp keys from a crashed consolidation of this month.
	c.cleanupTmp(ctx, ds, m)

	idx, err := c.cat.ReadMonthIndex(ctx, ds, m)
	if err != nil {
		return err
	}

	man := &Manifest{
		Status:    StatusInProgress,
		UpdatedAt: c.clock.NowISO(),
		Versions:  idx.Versions,
	}
	if err := c.writeManifest(ctx, ds, m, man); err != nil {
		return err
	}

	keys := make([]string, 0, len(idx.Versions))
	for _, v := range idx.Versions {
		keys = append(keys, c.cat.Paths().EventFile(ds, v, m))
	}
	rows, err := c.cat.ReadEventRowsTolerant(ctx, keys)
	if err != nil {
		return err
	}

	groups := rowset.GroupBySeries(rows)
	if blank, ok := groups[""]; ok {
		c.log.Warn("skipping rows without internal_series_code",
			"dataset", ds, "month", m.String(), "rows", len(blank))
		delete(groups, "")
	}
	series := rowset.SeriesCodes(groups)

	type projection struct {
		tmpKey   string
		finalKey string
		rows     []rowset.Observation
	}
	projections := make([]projection, 0, len(series))
	totalRows := 0
	for _, code := range series {
		g := groups[code]
		// Latest version wins on primary-key collisions.
		rowset.SortByVersionDesc(g)
		g, err = rowset.DedupeByKey(g, primaryKeys)
		if err != nil {
			return err
		}
		totalRows += len(g)
		projections = append(projections, projection{
			tmpKey:   c.cat.Paths().ProjectionTmp(ds, code, m),
			finalKey: c.cat.Paths().Projection(ds, code, m),
			rows:     g,
		})
	}

	// WAL: all tmp writes land before the first final key moves.
	for _, p := range projections {
		if err := c.cat.WriteRows(ctx, p.tmpKey, p.rows); err != nil {
			return err
		}
	}
	store := c.cat.Store()
	for _, p := range projections {
		if err := store.Copy(ctx, p.tmpKey, p.finalKey); err != nil {
			return err
		}
	}
	for _, p := range projections {
		if err := store.Delete(ctx, p.tmpKey); err != nil {
			c.log.Warn("failed to delete tmp projection", "key", p.tmpKey, "error", err)
		}
	}

	man.Status = StatusCompleted
	man.UpdatedAt = c.clock.NowISO()
	man.Series = series
	man.Rows = totalRows
	if err := c.writeManifest(ctx, ds, m, man); err != nil {
		return err
	}

	c.log.Info("consolidated month", "dataset", ds, "month", m.String(),
		"versions", len(idx.Versions), "series", len(series), "rows", totalRows)
	return nil
}

// ReadManifest returns the month's consolidation manifest, nil when absent.
func (c *Consolidator) ReadManifest(ctx context.Context, ds string, m rowset.Month) (*Manifest, error) {
	key := c.cat.Paths().ConsolidationManifest(ds, m)
	body, err := c.cat.Store().Get(ctx, key)
	if errors.Is(err, obstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var man Manifest
	if err := json.Unmarshal(body, &man); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return &man, nil
}

func (c *Consolidator) writeManifest(ctx context.Context, ds string, m rowset.Month, man *Manifest) error {
	key := c.cat.Paths().ConsolidationManifest(ds, m)
	body, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if _, err := c.cat.Store().Put(ctx, key, body, obstore.WithContentType("application/json")); err != nil {
		return err
	}
	return nil
}

// cleanupTmp removes the month's .tmp projection keys, best-effort.
func (c *Consolidator) cleanupTmp(ctx context.Context, ds string, m rowset.Month) {
	store := c.cat.Store()
	keys, err := store.List(ctx, c.cat.Paths().ProjectionWindowsPrefix(ds))
	if err != nil {
		c.log.Warn("failed to list projection keys", "dataset", ds, "error", err)
		return
	}
	suffix := catalog.ProjectionMonthSuffix(m)
	for _, key := range keys {
		if !strings.Contains(key, "/.tmp/") || !strings.Contains(key, suffix) {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			c.log.Warn("failed to delete stale tmp projection", "key", key, "error", err)
		}
	}
}
