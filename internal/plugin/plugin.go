// Package plugin holds the parser and normalizer contracts plus the
// built-in implementations: a generic CSV/JSON parser, an Excel parser and
// the canonical normalizer.
//
// Parsers turn raw source bytes into records of untyped cell text.
// The normalizer coerces records onto the canonical observation schema:
// obs_time to UTC time (naive stamps interpreted in the configured zone),
// value to float64, optional column renames. Rows missing either are
// dropped and counted, never fatal.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

var (
	// ErrParse reports a malformed source artifact.
	ErrParse = errors.New("parse failed")
	// ErrNormalize reports an unusable normalization spec.
	ErrNormalize = errors.New("normalize failed")
	// ErrUnknownPlugin reports a parser name with no registry entry.
	ErrUnknownPlugin = errors.New("unknown plugin")
)

// Record is one parsed row before normalization: raw cell text keyed by
// column name.
type Record map[string]string

// Options configures one parse call.
type Options struct {
	// Format is the source format from the dataset config: csv, xlsx, json.
	// The generic parser sniffs when empty.
	Format string
	// Extra is the free-form parser.options block from the dataset config.
	Extra map[string]any
}

// OptionsFor builds the parse options for a dataset.
func OptionsFor(ds *config.Dataset) Options {
	return Options{Format: ds.Source.Format, Extra: ds.Parser.Options}
}

// Parser turns raw source bytes into records. Implementations must be
// deterministic per (raw, opts) and must emit at least obs_time and value
// cells for rows that should survive normalization.
type Parser interface {
	Parse(ctx context.Context, raw []byte, opts Options) ([]Record, error)
}

// NormalizeSpec configures the normalizer, taken from the dataset config.
type NormalizeSpec struct {
	// Timezone interprets naive obs_time values before converting to UTC.
	// Empty means UTC.
	Timezone string
	// SeriesColumn names the source column holding the series code.
	SeriesColumn string
	// Renames maps source column names to canonical ones, applied before
	// anything else.
	Renames map[string]string
}

// SpecFor builds the normalize spec for a dataset.
func SpecFor(ds *config.Dataset) NormalizeSpec {
	return NormalizeSpec{
		Timezone:     ds.Normalize.Timezone,
		SeriesColumn: ds.Normalize.SeriesColumn,
		Renames:      ds.Normalize.Renames,
	}
}

// Normalizer coerces records onto the canonical observation schema.
type Normalizer interface {
	Normalize(ctx context.Context, recs []Record, spec NormalizeSpec) ([]rowset.Observation, error)
}

// Registry maps parser names to implementations. It is populated at
// startup and read-only afterwards.
type Registry struct {
	parsers    map[string]Parser
	normalizer Normalizer
}

// NewRegistry returns a registry with the built-ins registered: "generic"
// (CSV/JSON), "xlsx", and the canonical normalizer.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Registry{
		parsers: map[string]Parser{
			"generic": &Generic{},
			"xlsx":    &XLSX{},
		},
		normalizer: &CanonicalNormalizer{log: log},
	}
}

// RegisterParser adds or replaces a named parser. Call before any run.
func (r *Registry) RegisterParser(name string, p Parser) {
	r.parsers[name] = p
}

// Parser resolves a name or returns ErrUnknownPlugin.
func (r *Registry) Parser(name string) (Parser, error) {
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return p, nil
}

// Normalizer returns the registered normalizer.
func (r *Registry) Normalizer() Normalizer { return r.normalizer }

// CheckDatasets verifies every registered dataset resolves to a known
// parser, so bad plugin names fail at startup instead of at run time.
func (r *Registry) CheckDatasets(datasets *config.Registry) error {
	for _, id := range datasets.IDs() {
		ds, err := datasets.Get(id)
		if err != nil {
			return err
		}
		if _, err := r.Parser(ds.PluginName()); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
	}
	return nil
}
