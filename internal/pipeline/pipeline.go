// Package pipeline runs one dataset ingestion end to end: fetch, parse,
// normalize, delta against the published key set, event write, pointer
// publication, projection consolidation and consumer notification.
//
// A run either ends in one of the no-op statuses, loses the pointer race,
// or publishes. The lease is an optimization that keeps concurrent runs
// from doing duplicate work; the pointer CAS is what keeps them correct.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/serieslake-io/serieslake/internal/catalog"
	"github.com/serieslake-io/serieslake/internal/clock"
	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/consolidate"
	"github.com/serieslake-io/serieslake/internal/delta"
	"github.com/serieslake-io/serieslake/internal/fetch"
	"github.com/serieslake-io/serieslake/internal/lease"
	"github.com/serieslake-io/serieslake/internal/metrics"
	"github.com/serieslake-io/serieslake/internal/notify"
	"github.com/serieslake-io/serieslake/internal/plugin"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

// Terminal run statuses.
const (
	StatusPublished           = "published"
	StatusSkippedLocked       = "skipped_locked"
	StatusNoopSourceUnchanged = "noop_source_unchanged"
	StatusNoopNoNewRows       = "noop_no_new_rows"
	StatusLostRace            = "lost_race"
)

// RunRecord summarizes one run. The ids and stamps are generated at run
// start and reported back to the caller even when the run ends in a no-op.
type RunRecord struct {
	DatasetID  string    `json:"dataset_id"`
	RunID      string    `json:"run_id"`
	Version    string    `json:"version"`
	Status     string    `json:"status"`
	RowsAdded  int       `json:"rows_added"`
	RowsTotal  int       `json:"rows_total"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Published  bool      `json:"published"`
}

// RunOptions tweaks a single run.
type RunOptions struct {
	// FullReload processes the source even when unchanged, computes the
	// delta against an empty key set and skips the latest-date filter.
	FullReload bool
}

// Config wires the Pipeline.
type Config struct {
	Logger       *slog.Logger
	Catalog      *catalog.Catalog
	Fetcher      fetch.Fetcher
	Plugins      *plugin.Registry
	Consolidator *consolidate.Consolidator

	// Locker serializes runs per dataset; nil disables leasing.
	Locker lease.Locker

	// Buses receive the DATASET_UPDATED event after a publish; empty
	// disables notification.
	Buses []notify.Bus

	Clock clock.Clock
}

func (c *Config) Validate() error {
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if c.Plugins == nil {
		return errors.New("plugin registry is required")
	}
	if c.Consolidator == nil {
		return errors.New("consolidator is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.New(nil)
	}
	return nil
}

// Pipeline is safe for concurrent use across datasets; concurrent runs of
// one dataset are serialized by the lease and, failing that, by the
// pointer CAS.
type Pipeline struct {
	log          *slog.Logger
	cat          *catalog.Catalog
	fetcher      fetch.Fetcher
	plugins      *plugin.Registry
	consolidator *consolidate.Consolidator
	locker       lease.Locker
	buses        []notify.Bus
	clock        clock.Clock
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Pipeline{
		log:          cfg.Logger,
		cat:          cfg.Catalog,
		fetcher:      cfg.Fetcher,
		plugins:      cfg.Plugins,
		consolidator: cfg.Consolidator,
		locker:       cfg.Locker,
		buses:        cfg.Buses,
		clock:        cfg.Clock,
	}, nil
}

// Run executes the state machine for one dataset.
func (p *Pipeline) Run(ctx context.Context, ds *config.Dataset, opts RunOptions) (*RunRecord, error) {
	rec := &RunRecord{
		DatasetID: ds.ID,
		RunID:     p.clock.NewRunID(),
		Version:   p.clock.NewVersionStamp(),
		StartedAt: p.clock.Now(),
	}
	log := p.log.With("dataset", ds.ID, "run_id", rec.RunID, "version", rec.Version)
	log.Info("starting run", "full_reload", opts.FullReload)

	err := p.run(ctx, log, ds, opts, rec)
	rec.FinishedAt = p.clock.Now()

	status := rec.Status
	if status == "" {
		status = "error"
	}
	metrics.Runs.WithLabelValues(ds.ID, status).Inc()
	metrics.RunDuration.WithLabelValues(ds.ID).Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())

	if err != nil {
		return rec, err
	}
	log.Info("run finished", "status", rec.Status, "rows_added", rec.RowsAdded, "published", rec.Published)
	return rec, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, ds *config.Dataset, opts RunOptions, rec *RunRecord) error {
	if p.locker != nil {
		key := lease.Key(ds.ID)
		if err := p.locker.Acquire(ctx, key, rec.RunID); err != nil {
			if errors.Is(err, lease.ErrConditionFailed) {
				log.Warn("dataset is locked by a concurrent run, skipping")
				rec.Status = StatusSkippedLocked
				return nil
			}
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		defer func() {
			if err := p.locker.Release(context.WithoutCancel(ctx), key, rec.RunID); err != nil {
				log.Warn("failed to release lease", "error", err)
			}
		}()
	}

	report, err := p.cat.VerifyConsistency(ctx, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to verify key index: %w", err)
	}
	if !report.Consistent {
		log.Warn("key index diverged from published state, rebuilding", "detail", report.Detail)
		if _, err := p.cat.RebuildKeyIndex(ctx, ds.ID, ds.PrimaryKeys); err != nil {
			return fmt.Errorf("failed to rebuild key index: %w", err)
		}
	}

	art, err := p.fetcher.Fetch(ctx, ds.Source)
	if err != nil {
		return err
	}
	rawKey := p.cat.Paths().RunRaw(ds.ID, rec.RunID, artifactFilename(art.URI))
	if _, err := p.cat.Store().Put(ctx, rawKey, art.Body); err != nil {
		return fmt.Errorf("failed to archive raw artifact: %w", err)
	}
	log.Info("fetched source", "uri", art.URI, "bytes", len(art.Body))

	// The pointer read here anchors the whole run: the source hash compare,
	// the latest-date filter, the delta's key index and the final CAS all
	// derive from this one snapshot.
	ptr, priorETag, err := p.cat.ReadPointer(ctx, ds.ID)
	if err != nil {
		return err
	}
	var current *catalog.Manifest
	if ptr != nil {
		current, err = p.cat.ReadVersionManifest(ctx, ds.ID, ptr.CurrentVersion)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("pointer for %q references missing version %q", ds.ID, ptr.CurrentVersion)
		}
	}

	if current != nil && !opts.FullReload && current.Source.SHA256 == art.SHA256 {
		log.Info("source unchanged, skipping run", "current_version", current.Version)
		rec.Status = StatusNoopSourceUnchanged
		return nil
	}

	parser, err := p.plugins.Parser(ds.PluginName())
	if err != nil {
		return err
	}
	recs, err := parser.Parse(ctx, art.Body, plugin.OptionsFor(ds))
	if err != nil {
		return err
	}
	rows, err := p.plugins.Normalizer().Normalize(ctx, recs, plugin.SpecFor(ds))
	if err != nil {
		return err
	}
	log.Info("normalized source", "parsed", len(recs), "normalized", len(rows))

	if ds.FilterByLatest() && !opts.FullReload && current != nil {
		rows, err = p.filterByLatestDate(ctx, log, current, rows)
		if err != nil {
			return err
		}
	}

	priorIndex := delta.NewIndex(nil)
	if !opts.FullReload {
		priorIndex, err = p.cat.ReadKeyIndex(ctx, ds.ID)
		if err != nil {
			return err
		}
	}
	deltaRows, err := delta.Compute(rows, priorIndex, ds.PrimaryKeys)
	if err != nil {
		return err
	}
	log.Info("computed delta", "new_rows", len(deltaRows), "prior_keys", priorIndex.Len())

	// Run artifacts are for debugging; losing them never fails the run.
	if err := p.cat.WriteRows(ctx, p.cat.Paths().RunStaging(ds.ID, rec.RunID), rows); err != nil {
		log.Warn("failed to archive normalized rows", "error", err)
	}
	if len(deltaRows) > 0 {
		if err := p.writeRunDelta(ctx, ds.ID, rec.RunID, deltaRows); err != nil {
			log.Warn("failed to archive delta rows", "error", err)
		}
	}

	if len(deltaRows) == 0 {
		log.Info("no new rows, nothing to publish")
		rec.Status = StatusNoopNoNewRows
		return nil
	}

	enriched := enrich(delta.Rows(deltaRows), ds, rec.Version, rec.StartedAt)

	files, err := p.cat.WriteEvents(ctx, ds.ID, rec.Version, enriched)
	if err != nil {
		return err
	}

	updated := delta.Update(priorIndex, deltaRows)
	rec.RowsAdded = len(deltaRows)
	rec.RowsTotal = updated.Len()

	var priorVersion string
	if ptr != nil {
		priorVersion = ptr.CurrentVersion
	}
	manifest := &catalog.Manifest{
		DatasetID: ds.ID,
		Version:   rec.Version,
		RunID:     rec.RunID,
		CreatedAt: p.clock.NowISO(),
		Source: catalog.ManifestSource{
			URI:    art.URI,
			SHA256: art.SHA256,
			Files:  []catalog.ManifestFile{{Path: rawKey, SHA256: art.SHA256}},
		},
		Outputs: catalog.ManifestOutputs{
			Files:     files,
			RowsTotal: updated.Len(),
			RowsAdded: len(deltaRows),
		},
		Lineage: catalog.ManifestLineage{
			PriorVersion: priorVersion,
			FullReload:   opts.FullReload,
		},
	}

	published, err := p.publish(ctx, manifest, updated, priorETag, ptr != nil)
	if err != nil {
		return err
	}
	if !published {
		log.Warn("publication lost to a concurrent run, version directory orphaned")
		metrics.PublishCASLost.WithLabelValues(ds.ID).Inc()
		rec.Status = StatusLostRace
		return nil
	}
	rec.Published = true
	rec.Status = StatusPublished
	metrics.RowsAdded.WithLabelValues(ds.ID).Add(float64(rec.RowsAdded))
	log.Info("published version", "rows_added", rec.RowsAdded, "rows_total", rec.RowsTotal)

	if failed := p.consolidator.Run(ctx, ds.ID, ds.PrimaryKeys, enriched); failed > 0 {
		metrics.ConsolidationFailures.WithLabelValues(ds.ID).Add(float64(failed))
	}

	return p.notifyConsumers(ctx, log, ds.ID, rec.Version)
}

// notifyConsumers publishes the update event on every bus. A failure is
// still an error for the run, but the version stays published; consumers
// that poll the pointer converge regardless.
func (p *Pipeline) notifyConsumers(ctx context.Context, log *slog.Logger, ds, version string) error {
	if len(p.buses) == 0 {
		return nil
	}
	ev := notify.NewDatasetUpdated(ds, p.cat.Paths().ManifestPointer(ds, version), p.clock.NowISO())
	var failed error
	for _, bus := range p.buses {
		if err := bus.Publish(ctx, ev); err != nil {
			metrics.NotifyFailures.WithLabelValues(ds, bus.Name()).Inc()
			log.Error("failed to notify consumers", "transport", bus.Name(), "error", err)
			failed = errors.Join(failed, fmt.Errorf("%s: %w", bus.Name(), err))
			continue
		}
		log.Info("notified consumers", "transport", bus.Name())
	}
	if failed != nil {
		return fmt.Errorf("version %s published but notification failed: %w", version, failed)
	}
	return nil
}

// filterByLatestDate drops rows at or before the newest obs_time the prior
// version published, so sources that re-emit their full history do not get
// reprocessed. Rows must be strictly newer to survive.
func (p *Pipeline) filterByLatestDate(ctx context.Context, log *slog.Logger, current *catalog.Manifest, rows []rowset.Observation) ([]rowset.Observation, error) {
	prior, err := p.cat.ReadEventRowsTolerant(ctx, current.Outputs.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to read events of version %q: %w", current.Version, err)
	}
	cutoff, ok := rowset.MaxObsTime(prior)
	if !ok {
		return rows, nil
	}
	kept := make([]rowset.Observation, 0, len(rows))
	for _, r := range rows {
		if r.ObsTime.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if dropped := len(rows) - len(kept); dropped > 0 {
		log.Info("filtered rows already covered by the published history",
			"cutoff", cutoff.Format(time.RFC3339), "dropped", dropped, "kept", len(kept))
	}
	return kept, nil
}

func (p *Pipeline) writeRunDelta(ctx context.Context, ds, runID string, rows []delta.Row) error {
	data, err := delta.MarshalParquet(rows)
	if err != nil {
		return err
	}
	_, err = p.cat.Store().Put(ctx, p.cat.Paths().RunDelta(ds, runID), data)
	return err
}

// artifactFilename picks the archive name for a fetched artifact from the
// last path segment of its URI.
func artifactFilename(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		uri = uri[i+1:]
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" {
		return "resource"
	}
	return uri
}
