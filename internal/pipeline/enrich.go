package pipeline

import (
	"time"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

// enrich stamps the delta rows with dataset and lineage metadata before they
// become event rows. Frequency and unit keep the row's own value when the
// source carried one, falling back to the dataset config; a row without a
// series code gets the dataset id as its series.
func enrich(rows []rowset.Observation, ds *config.Dataset, version string, vintage time.Time) []rowset.Observation {
	kind := sourceKind(ds)
	out := make([]rowset.Observation, len(rows))
	for i, r := range rows {
		r.DatasetID = ds.ID
		r.Provider = ds.Provider
		if r.Frequency == "" {
			r.Frequency = ds.Frequency
		}
		if r.Unit == "" {
			r.Unit = ds.Unit
		}
		r.SourceKind = kind
		if !r.ObsTime.IsZero() {
			r.ObsDate = r.ObsTime.UTC().Format("2006-01-02")
		}
		if r.SeriesCode == "" {
			r.SeriesCode = ds.ID
		}
		r.Version = version
		r.VintageDate = vintage
		r.QualityFlag = "OK"
		out[i] = r
	}
	return out
}

// sourceKind classifies the source: anything with a file format is FILE,
// otherwise http sources count as API and local ones as FILE.
func sourceKind(ds *config.Dataset) string {
	if ds.Source.Format != "" {
		return "FILE"
	}
	if ds.Source.Kind == "http" {
		return "API"
	}
	return "FILE"
}
