package catalog

import (
	"fmt"

	"github.com/serieslake-io/serieslake/internal/rowset"
)

// DefaultPrefix is the root segment all dataset objects live under.
const DefaultPrefix = "datasets"

// Paths builds object keys. It is pure: no I/O, no state beyond the prefix.
// Layout per dataset:
//
//	{prefix}/{ds}/current/manifest.json                      pointer (mutable, CAS)
//	{prefix}/{ds}/index/keys.parquet                         key fingerprint index
//	{prefix}/{ds}/events/{ver}/manifest.json                 immutable version manifest
//	{prefix}/{ds}/events/{ver}/data/year=Y/month=MM/...      monthly event files
//	{prefix}/{ds}/events/index/Y/MM/versions.json            per-month version list
//	{prefix}/{ds}/projections/windows/{series}/year=Y/...    consolidated projections
//	{prefix}/{ds}/projections/consolidation/Y/MM/...         consolidation manifests
//	{prefix}/{ds}/runs/{run}/...                             per-run artifacts
type Paths struct {
	Prefix string
}

func NewPaths(prefix string) Paths {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Paths{Prefix: prefix}
}

func (p Paths) root(ds string) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "/" + ds
}

// DatasetPrefix is the namespace all of a dataset's objects live under.
func (p Paths) DatasetPrefix(ds string) string { return p.root(ds) + "/" }

func (p Paths) CurrentManifest(ds string) string {
	return p.root(ds) + "/current/manifest.json"
}

func (p Paths) KeyIndex(ds string) string {
	return p.root(ds) + "/index/keys.parquet"
}

func (p Paths) VersionManifest(ds, version string) string {
	return fmt.Sprintf("%s/events/%s/manifest.json", p.root(ds), version)
}

func (p Paths) EventDataPrefix(ds, version string) string {
	return fmt.Sprintf("%s/events/%s/data/", p.root(ds), version)
}

func (p Paths) EventFile(ds, version string, m rowset.Month) string {
	return fmt.Sprintf("%s/events/%s/data/year=%04d/month=%02d/part-0.parquet",
		p.root(ds), version, m.Year, m.Month)
}

func (p Paths) EventFileUndated(ds, version string) string {
	return fmt.Sprintf("%s/events/%s/data/part-0.parquet", p.root(ds), version)
}

func (p Paths) MonthIndex(ds string, m rowset.Month) string {
	return fmt.Sprintf("%s/events/index/%04d/%02d/versions.json", p.root(ds), m.Year, m.Month)
}

func (p Paths) Projection(ds, series string, m rowset.Month) string {
	return fmt.Sprintf("%s/projections/windows/%s/year=%04d/month=%02d/data.parquet",
		p.root(ds), series, m.Year, m.Month)
}

func (p Paths) ProjectionTmp(ds, series string, m rowset.Month) string {
	return fmt.Sprintf("%s/projections/windows/%s/year=%04d/month=%02d/.tmp/data.parquet",
		p.root(ds), series, m.Year, m.Month)
}

// ProjectionWindowsPrefix covers every series projection of the dataset.
func (p Paths) ProjectionWindowsPrefix(ds string) string {
	return p.root(ds) + "/projections/windows/"
}

// ProjectionMonthSuffix is the partition path fragment tmp-key cleanup
// matches against.
func ProjectionMonthSuffix(m rowset.Month) string {
	return fmt.Sprintf("/year=%04d/month=%02d/", m.Year, m.Month)
}

func (p Paths) ConsolidationManifest(ds string, m rowset.Month) string {
	return fmt.Sprintf("%s/projections/consolidation/%04d/%02d/manifest.json", p.root(ds), m.Year, m.Month)
}

func (p Paths) RunRaw(ds, runID, filename string) string {
	return fmt.Sprintf("%s/runs/%s/raw/%s", p.root(ds), runID, filename)
}

func (p Paths) RunStaging(ds, runID string) string {
	return fmt.Sprintf("%s/runs/%s/staging/normalized.parquet", p.root(ds), runID)
}

func (p Paths) RunDelta(ds, runID string) string {
	return fmt.Sprintf("%s/runs/%s/delta/delta.parquet", p.root(ds), runID)
}

// ManifestPointer is the notification payload form of a manifest key: the
// version manifest key with the root prefix stripped.
func (p Paths) ManifestPointer(ds, version string) string {
	return fmt.Sprintf("%s/events/%s/manifest.json", ds, version)
}
