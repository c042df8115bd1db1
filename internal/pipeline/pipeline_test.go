package pipeline_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/serieslake-io/serieslake/internal/catalog"
	"github.com/serieslake-io/serieslake/internal/clock"
	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/consolidate"
	"github.com/serieslake-io/serieslake/internal/delta"
	"github.com/serieslake-io/serieslake/internal/fetch"
	"github.com/serieslake-io/serieslake/internal/lease"
	"github.com/serieslake-io/serieslake/internal/notify"
	"github.com/serieslake-io/serieslake/internal/obstore"
	"github.com/serieslake-io/serieslake/internal/pipeline"
	"github.com/serieslake-io/serieslake/internal/plugin"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

type stubFetcher struct {
	artifact *fetch.Artifact
	err      error
	calls    int
}

func (s *stubFetcher) Fetch(_ context.Context, _ config.Source) (*fetch.Artifact, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.artifact, nil
}

type mockBus struct {
	name   string
	err    error
	events []notify.Event
}

func (b *mockBus) Name() string { return b.name }

func (b *mockBus) Publish(_ context.Context, ev notify.Event) error {
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func art(body string) *fetch.Artifact {
	sum := sha256.Sum256([]byte(body))
	return &fetch.Artifact{
		URI:    "https://example.com/ipc.csv",
		Body:   []byte(body),
		SHA256: hex.EncodeToString(sum[:]),
	}
}

func testDataset() *config.Dataset {
	return &config.Dataset{
		ID:          "ipc",
		Provider:    "statbureau",
		Frequency:   "daily",
		Unit:        "index",
		Source:      config.Source{Kind: "http", URL: "https://example.com/ipc.csv", Format: "csv"},
		Normalize:   config.Normalize{SeriesColumn: "series"},
		PrimaryKeys: []string{"obs_time", "internal_series_code"},
	}
}

type fixture struct {
	store   obstore.Store
	cat     *catalog.Catalog
	clk     *clockwork.FakeClock
	fetcher *stubFetcher
	bus     *mockBus
	pipe    *pipeline.Pipeline
}

func newFixture(t *testing.T, store obstore.Store, locker lease.Locker) *fixture {
	t.Helper()

	if store == nil {
		store = obstore.NewMemory()
	}
	cat, err := catalog.New(catalog.Config{Store: store})
	require.NoError(t, err)

	fake := clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	runs := 0
	ck := clock.NewWithIDs(fake, func() string {
		runs++
		return fmt.Sprintf("run-%d", runs)
	})

	cons, err := consolidate.New(consolidate.Config{Catalog: cat, Clock: ck})
	require.NoError(t, err)

	f := &fixture{store: store, cat: cat, clk: fake, fetcher: &stubFetcher{}, bus: &mockBus{name: "sns"}}
	f.pipe, err = pipeline.New(pipeline.Config{
		Catalog:      cat,
		Fetcher:      f.fetcher,
		Plugins:      plugin.NewRegistry(nil),
		Consolidator: cons,
		Locker:       locker,
		Buses:        []notify.Bus{f.bus},
		Clock:        ck,
	})
	require.NoError(t, err)
	return f
}

// run advances the clock so every run gets a distinct version stamp.
func (f *fixture) run(ctx context.Context, ds *config.Dataset, opts pipeline.RunOptions) (*pipeline.RunRecord, error) {
	f.clk.Advance(time.Minute)
	return f.pipe.Run(ctx, ds, opts)
}

func TestRun_FirstPublish(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n2024-03-02,101,ipc_core\n")

	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec.Status)
	require.True(t, rec.Published)
	require.Equal(t, 2, rec.RowsAdded)
	require.Equal(t, 2, rec.RowsTotal)

	current, err := f.cat.ReadCurrentManifest(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec.Version, current.Version)
	require.Equal(t, rec.RunID, current.RunID)
	require.Equal(t, f.fetcher.artifact.SHA256, current.Source.SHA256)
	require.Empty(t, current.Lineage.PriorVersion)
	require.Len(t, current.Outputs.Files, 1)

	idx, err := f.cat.ReadKeyIndex(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())

	rows, err := f.cat.ReadEventRows(ctx, current.Outputs.Files)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, "ipc", r.DatasetID)
		require.Equal(t, "statbureau", r.Provider)
		require.Equal(t, "daily", r.Frequency)
		require.Equal(t, "index", r.Unit)
		require.Equal(t, "FILE", r.SourceKind)
		require.Equal(t, "ipc_core", r.SeriesCode)
		require.Equal(t, rec.Version, r.Version)
		require.Equal(t, "OK", r.QualityFlag)
		require.Equal(t, r.ObsTime.UTC().Format("2006-01-02"), r.ObsDate)
		require.WithinDuration(t, rec.StartedAt, r.VintageDate, time.Second)
	}

	proj, err := f.cat.ReadRows(ctx, f.cat.Paths().Projection("ipc", "ipc_core", rowset.Month{Year: 2024, Month: 3}))
	require.NoError(t, err)
	require.Len(t, proj, 2)

	require.Len(t, f.bus.events, 1)
	ev := f.bus.events[0]
	require.Equal(t, notify.TypeDatasetUpdated, ev.Type)
	require.Equal(t, "ipc", ev.DatasetID)
	require.Equal(t, fmt.Sprintf("ipc/events/%s/manifest.json", rec.Version), ev.ManifestPointer)

	_, err = f.store.Get(ctx, f.cat.Paths().RunRaw("ipc", rec.RunID, "ipc.csv"))
	require.NoError(t, err)
}

func TestRun_IncrementalAddsOnlyNewRows(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()

	v1 := "obs_time,value,series\n2024-03-01,100,ipc_core\n2024-03-02,101,ipc_core\n"
	f.fetcher.artifact = art(v1)
	rec1, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec1.Status)

	f.fetcher.artifact = art(v1 + "2024-03-03,102,ipc_core\n")
	rec2, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec2.Status)
	require.Equal(t, 1, rec2.RowsAdded)
	require.Equal(t, 3, rec2.RowsTotal)

	current, err := f.cat.ReadCurrentManifest(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec2.Version, current.Version)
	require.Equal(t, rec1.Version, current.Lineage.PriorVersion)

	// The new version's event files hold only the delta.
	rows, err := f.cat.ReadEventRows(ctx, current.Outputs.Files)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 102.0, rows[0].Value)

	// The projection merges both versions.
	proj, err := f.cat.ReadRows(ctx, f.cat.Paths().Projection("ipc", "ipc_core", rowset.Month{Year: 2024, Month: 3}))
	require.NoError(t, err)
	require.Len(t, proj, 3)

	require.Len(t, f.bus.events, 2)
}

func TestRun_UnchangedSourceIsNoop(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	rec1, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec1.Status)

	rec2, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusNoopSourceUnchanged, rec2.Status)
	require.False(t, rec2.Published)
	require.Zero(t, rec2.RowsAdded)

	// Pointer still references the first version; no extra notification.
	ptr, _, err := f.cat.ReadPointer(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec1.Version, ptr.CurrentVersion)
	require.Len(t, f.bus.events, 1)

	// The raw artifact is still archived for the no-op run.
	_, err = f.store.Get(ctx, f.cat.Paths().RunRaw("ipc", rec2.RunID, "ipc.csv"))
	require.NoError(t, err)
}

func TestRun_NoNewRowsIsNoop(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	rec1, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec1.Status)

	// Different bytes, same rows: the hash check passes but the delta is
	// empty.
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n\n")
	rec2, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusNoopNoNewRows, rec2.Status)
	require.False(t, rec2.Published)

	ptr, _, err := f.cat.ReadPointer(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec1.Version, ptr.CurrentVersion)
	require.Len(t, f.bus.events, 1)
}

// racingStore sneaks a competing pointer write in just before the run's own
// conditional put, so the CAS must fail.
type racingStore struct {
	*obstore.Memory
	pointerKey string
	race       sync.Once
}

func (s *racingStore) Put(ctx context.Context, key string, body []byte, opts ...obstore.PutOption) (string, error) {
	if key == s.pointerKey {
		s.race.Do(func() {
			_, _ = s.Memory.Put(ctx, key, []byte(`{"dataset_id":"ipc","current_version":"2024-03-10T11-00-00"}`))
		})
	}
	return s.Memory.Put(ctx, key, body, opts...)
}

func TestRun_LostPointerRace(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := obstore.NewMemory()
	store := &racingStore{Memory: mem, pointerKey: "datasets/ipc/current/manifest.json"}
	f := newFixture(t, store, nil)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusLostRace, rec.Status)
	require.False(t, rec.Published)

	// The competing pointer survives, the key index was never written and
	// no notification went out. Only the orphan version directory remains.
	ptr, _, err := f.cat.ReadPointer(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, "2024-03-10T11-00-00", ptr.CurrentVersion)

	idx, err := f.cat.ReadKeyIndex(ctx, "ipc")
	require.NoError(t, err)
	require.Zero(t, idx.Len())

	orphan, err := f.cat.ReadVersionManifest(ctx, "ipc", rec.Version)
	require.NoError(t, err)
	require.NotNil(t, orphan)

	require.Empty(t, f.bus.events)
}

// failingStore rejects puts on matching keys a limited number of times.
type failingStore struct {
	*obstore.Memory
	mu       sync.Mutex
	fragment string
	failures int
}

func (s *failingStore) Put(ctx context.Context, key string, body []byte, opts ...obstore.PutOption) (string, error) {
	s.mu.Lock()
	fail := strings.Contains(key, s.fragment) && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return "", errors.New("injected put failure")
	}
	return s.Memory.Put(ctx, key, body, opts...)
}

func TestRun_CrashDuringEventWriteLeavesNoVisibleChange(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := &failingStore{Memory: obstore.NewMemory(), fragment: "/data/", failures: 1}
	f := newFixture(t, store, nil)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	_, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.Error(t, err)

	// Nothing visible: no pointer, empty index, no event files.
	ptr, _, err := f.cat.ReadPointer(ctx, "ipc")
	require.NoError(t, err)
	require.Nil(t, ptr)
	idx, err := f.cat.ReadKeyIndex(ctx, "ipc")
	require.NoError(t, err)
	require.Zero(t, idx.Len())
	require.Empty(t, f.bus.events)

	// The retry publishes cleanly.
	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec.Status)
	require.Equal(t, 1, rec.RowsAdded)
}

func TestRun_SkippedWhenLocked(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	locker := lease.NewMemory(nil, time.Hour)
	require.NoError(t, locker.Acquire(ctx, lease.Key("ipc"), "someone-else"))

	f := newFixture(t, nil, locker)
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusSkippedLocked, rec.Status)
	require.Zero(t, f.fetcher.calls)

	// Once the holder releases, the run proceeds and releases in turn.
	require.NoError(t, locker.Release(ctx, lease.Key("ipc"), "someone-else"))
	rec, err = f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec.Status)

	locked, err := locker.IsLocked(ctx, lease.Key("ipc"))
	require.NoError(t, err)
	require.False(t, locked)
}

func TestRun_DivergentIndexIsRebuilt(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()

	v1 := "obs_time,value,series\n2024-03-01,100,ipc_core\n2024-03-02,101,ipc_core\n"
	f.fetcher.artifact = art(v1)
	_, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)

	// Corrupt the index well past the drift tolerance.
	bogus := make([]string, 50)
	for i := range bogus {
		bogus[i] = fmt.Sprintf("bogus-%02d", i)
	}
	require.NoError(t, f.cat.WriteKeyIndex(ctx, "ipc", delta.NewIndex(bogus)))

	f.fetcher.artifact = art(v1 + "2024-03-03,102,ipc_core\n")
	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec.Status)
	require.Equal(t, 1, rec.RowsAdded)
	// The rebuild dropped the bogus keys before the delta ran.
	require.Equal(t, 3, rec.RowsTotal)
}

func TestRun_FilterByLatestDate(t *testing.T) {
	t.Parallel()

	v1 := "obs_time,value,series\n2024-03-01,100,ipc_core\n2024-03-02,101,ipc_core\n"
	// Day 1 revised, day 3 new. Value is part of the key, so without the
	// filter the revision would re-enter as a new row.
	v2 := "obs_time,value,series\n2024-03-01,999,ipc_core\n2024-03-02,101,ipc_core\n2024-03-03,102,ipc_core\n"

	keys := []string{"obs_time", "internal_series_code", "value"}

	t.Run("enabled drops revised history", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, nil, nil)
		ds := testDataset()
		ds.PrimaryKeys = keys

		f.fetcher.artifact = art(v1)
		_, err := f.run(ctx, ds, pipeline.RunOptions{})
		require.NoError(t, err)

		f.fetcher.artifact = art(v2)
		rec, err := f.run(ctx, ds, pipeline.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, 1, rec.RowsAdded)

		current, err := f.cat.ReadCurrentManifest(ctx, "ipc")
		require.NoError(t, err)
		rows, err := f.cat.ReadEventRows(ctx, current.Outputs.Files)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, 102.0, rows[0].Value)
	})

	t.Run("disabled lets revisions through", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, nil, nil)
		ds := testDataset()
		ds.PrimaryKeys = keys
		off := false
		ds.FilterByLatestDate = &off

		f.fetcher.artifact = art(v1)
		_, err := f.run(ctx, ds, pipeline.RunOptions{})
		require.NoError(t, err)

		f.fetcher.artifact = art(v2)
		rec, err := f.run(ctx, ds, pipeline.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, 2, rec.RowsAdded)
	})
}

func TestRun_FullReload(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()
	body := "obs_time,value,series\n2024-03-01,100,ipc_core\n2024-03-02,101,ipc_core\n"
	f.fetcher.artifact = art(body)

	rec1, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec1.Status)

	// Same bytes, but a full reload processes them against an empty key set.
	rec2, err := f.run(ctx, ds, pipeline.RunOptions{FullReload: true})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec2.Status)
	require.Equal(t, 2, rec2.RowsAdded)
	require.Equal(t, 2, rec2.RowsTotal)

	current, err := f.cat.ReadCurrentManifest(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec2.Version, current.Version)
	require.True(t, current.Lineage.FullReload)
	require.Equal(t, rec1.Version, current.Lineage.PriorVersion)
}

func TestRun_NotifyFailureIsFatalButVersionStaysPublished(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	f.bus.err = errors.New("sns unavailable")
	ds := testDataset()
	f.fetcher.artifact = art("obs_time,value,series\n2024-03-01,100,ipc_core\n")

	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.ErrorContains(t, err, "notification failed")
	require.True(t, rec.Published)
	require.Equal(t, pipeline.StatusPublished, rec.Status)

	ptr, _, err := f.cat.ReadPointer(ctx, "ipc")
	require.NoError(t, err)
	require.Equal(t, rec.Version, ptr.CurrentVersion)
}

func TestRun_SeriesCodeFallsBackToDatasetID(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, nil, nil)
	ds := testDataset()
	ds.Normalize = config.Normalize{}
	f.fetcher.artifact = art("obs_time,value\n2024-03-01,100\n")

	rec, err := f.run(ctx, ds, pipeline.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusPublished, rec.Status)

	proj, err := f.cat.ReadRows(ctx, f.cat.Paths().Projection("ipc", "ipc", rowset.Month{Year: 2024, Month: 3}))
	require.NoError(t, err)
	require.Len(t, proj, 1)
	require.Equal(t, "ipc", proj[0].SeriesCode)
}
