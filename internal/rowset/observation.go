// Package rowset holds the observation record and the vectorized operations
// the engine runs over slices of it. The Parquet codec in this package is
// the only on-disk row format; everything else treats rows as values.
package rowset

import (
	"fmt"
	"strconv"
	"time"
)

// Canonical column names, in on-disk order.
const (
	ColDatasetID   = "dataset_id"
	ColProvider    = "provider"
	ColFrequency   = "frequency"
	ColUnit        = "unit"
	ColSourceKind  = "source_kind"
	ColObsTime     = "obs_time"
	ColObsDate     = "obs_date"
	ColValue       = "value"
	ColSeriesCode  = "internal_series_code"
	ColVersion     = "version"
	ColVintageDate = "vintage_date"
	ColQualityFlag = "quality_flag"
)

// Observation is one time-series data point. Before enrichment only the
// observation fields (obs_time, value, series code, frequency, unit) are
// populated; enrichment fills the dataset and lineage fields.
type Observation struct {
	DatasetID   string    `parquet:"dataset_id,optional" json:"dataset_id"`
	Provider    string    `parquet:"provider,optional" json:"provider"`
	Frequency   string    `parquet:"frequency,optional" json:"frequency"`
	Unit        string    `parquet:"unit,optional" json:"unit"`
	SourceKind  string    `parquet:"source_kind,optional" json:"source_kind"`
	ObsTime     time.Time `parquet:"obs_time,optional" json:"obs_time"`
	ObsDate     string    `parquet:"obs_date,optional" json:"obs_date"`
	Value       float64   `parquet:"value" json:"value"`
	SeriesCode  string    `parquet:"internal_series_code,optional" json:"internal_series_code"`
	Version     string    `parquet:"version,optional" json:"version"`
	VintageDate time.Time `parquet:"vintage_date,optional" json:"vintage_date"`
	QualityFlag string    `parquet:"quality_flag,optional" json:"quality_flag"`
}

// FieldString renders a column to its canonical string form. Times render
// in UTC RFC3339 and floats through %g, so the rendering is stable across
// a Parquet round trip; key fingerprints depend on that.
func (o Observation) FieldString(name string) (string, bool) {
	switch name {
	case ColDatasetID:
		return o.DatasetID, true
	case ColProvider:
		return o.Provider, true
	case ColFrequency:
		return o.Frequency, true
	case ColUnit:
		return o.Unit, true
	case ColSourceKind:
		return o.SourceKind, true
	case ColObsTime:
		if o.ObsTime.IsZero() {
			return "", true
		}
		return o.ObsTime.UTC().Format(time.RFC3339), true
	case ColObsDate:
		return o.ObsDate, true
	case ColValue:
		return strconv.FormatFloat(o.Value, 'g', -1, 64), true
	case ColSeriesCode:
		return o.SeriesCode, true
	case ColVersion:
		return o.Version, true
	case ColVintageDate:
		if o.VintageDate.IsZero() {
			return "", true
		}
		return o.VintageDate.UTC().Format(time.RFC3339), true
	case ColQualityFlag:
		return o.QualityFlag, true
	}
	return "", false
}

// KeyString joins the named columns with "|" in the given order.
func (o Observation) KeyString(keys []string) (string, error) {
	out := ""
	for i, k := range keys {
		v, ok := o.FieldString(k)
		if !ok {
			return "", fmt.Errorf("unknown key column %q", k)
		}
		if i > 0 {
			out += "|"
		}
		out += v
	}
	return out, nil
}

// Month identifies a calendar month partition.
type Month struct {
	Year  int
	Month int
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, m.Month) }

func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// PartitionMonth returns the month the row belongs to, preferring obs_time
// and falling back to obs_date. Rows with neither report ok=false and land
// in the undated partition.
func (o Observation) PartitionMonth() (Month, bool) {
	if !o.ObsTime.IsZero() {
		t := o.ObsTime.UTC()
		return Month{Year: t.Year(), Month: int(t.Month())}, true
	}
	if o.ObsDate != "" {
		t, err := time.Parse("2006-01-02", o.ObsDate)
		if err != nil {
			return Month{}, false
		}
		return Month{Year: t.Year(), Month: int(t.Month())}, true
	}
	return Month{}, false
}
