package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/serieslake-io/serieslake/internal/rowset"
)

// obsTimeLayouts are tried in order. Layouts without a zone are
// interpreted in the spec's timezone.
var obsTimeLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", true},
	{"2006/01/02", true},
	{"2006-01", true},
}

// CanonicalNormalizer coerces parsed records onto the observation schema.
type CanonicalNormalizer struct {
	log *slog.Logger
}

var _ Normalizer = (*CanonicalNormalizer)(nil)

func (n *CanonicalNormalizer) Normalize(_ context.Context, recs []Record, spec NormalizeSpec) ([]rowset.Observation, error) {
	loc := time.UTC
	if spec.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrNormalize, spec.Timezone)
		}
	}

	out := make([]rowset.Observation, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		rec = applyRenames(rec, spec)

		obsTime, err := ParseObsTime(rec[rowset.ColObsTime], loc)
		if err != nil {
			dropped++
			continue
		}
		value, err := ParseValue(rec[rowset.ColValue])
		if err != nil {
			dropped++
			continue
		}

		out = append(out, rowset.Observation{
			ObsTime:    obsTime.UTC(),
			ObsDate:    rec[rowset.ColObsDate],
			Value:      value,
			SeriesCode: rec[rowset.ColSeriesCode],
			Frequency:  rec[rowset.ColFrequency],
			Unit:       rec[rowset.ColUnit],
		})
	}

	if dropped > 0 {
		n.log.Warn("dropped rows with unparseable obs_time or value",
			"dropped", dropped, "kept", len(out), "total", len(recs))
	}
	return out, nil
}

// applyRenames rewrites source column names to canonical ones: the rename
// map first, then the series column override. Canonical names already
// present are not clobbered by a rename.
func applyRenames(rec Record, spec NormalizeSpec) Record {
	if len(spec.Renames) == 0 && spec.SeriesColumn == "" {
		return rec
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for src, dst := range spec.Renames {
		if v, ok := out[src]; ok && src != dst {
			if _, exists := out[dst]; !exists {
				out[dst] = v
			}
			delete(out, src)
		}
	}
	if spec.SeriesColumn != "" && spec.SeriesColumn != rowset.ColSeriesCode {
		if v, ok := out[spec.SeriesColumn]; ok {
			if _, exists := out[rowset.ColSeriesCode]; !exists {
				out[rowset.ColSeriesCode] = v
			}
			delete(out, spec.SeriesColumn)
		}
	}
	return out
}

// ParseObsTime parses an observation timestamp. Zoned stamps keep their
// offset; naive ones are interpreted in loc.
func ParseObsTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty obs_time")
	}
	for _, l := range obsTimeLayouts {
		var t time.Time
		var err error
		if l.naive {
			t, err = time.ParseInLocation(l.layout, s, loc)
		} else {
			t, err = time.Parse(l.layout, s)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable obs_time %q", s)
}

// ParseValue parses a numeric cell. Decimal commas are tolerated: with a
// dot present the dots are thousands separators, otherwise the comma is
// the decimal mark.
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if strings.Contains(s, ",") {
		alt := s
		if strings.Contains(alt, ".") {
			alt = strings.ReplaceAll(alt, ".", "")
		}
		alt = strings.ReplaceAll(alt, ",", ".")
		if v, err := strconv.ParseFloat(alt, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unparseable value %q", s)
}
