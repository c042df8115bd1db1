package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownDataset reports a dataset id with no registry entry. Callers map
// it to HTTP 404.
var ErrUnknownDataset = errors.New("unknown dataset")

// Source describes where a dataset's artifact comes from.
type Source struct {
	Kind      string `yaml:"kind"`   // http | local
	URL       string `yaml:"url"`    // URL for http, path for local
	Format    string `yaml:"format"` // csv | xlsx | json
	VerifySSL *bool  `yaml:"verify_ssl"`
}

// Verify reports whether TLS verification applies; default true.
func (s Source) Verify() bool { return s.VerifySSL == nil || *s.VerifySSL }

// Parser selects and configures the parse plugin.
type Parser struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// Normalize configures the normalization pass.
type Normalize struct {
	// Timezone interprets naive obs_time values before converting to UTC.
	Timezone string `yaml:"timezone"`
	// SeriesColumn renames a source column to internal_series_code.
	SeriesColumn string `yaml:"series_column"`
	// Renames maps source column names to canonical ones.
	Renames map[string]string `yaml:"renames"`
}

// Notify carries per-dataset notification overrides.
type Notify struct {
	SNSTopicARN string `yaml:"sns_topic_arn"`
}

// Dataset is one registry entry, loaded from <id>.yaml.
type Dataset struct {
	ID          string    `yaml:"id"`
	Provider    string    `yaml:"provider"`
	Frequency   string    `yaml:"frequency"`
	Unit        string    `yaml:"unit"`
	LagDays     int       `yaml:"lag_days"`
	Source      Source    `yaml:"source"`
	Parser      Parser    `yaml:"parser"`
	Normalize   Normalize `yaml:"normalize"`
	Notify      *Notify   `yaml:"notify"`
	PrimaryKeys []string  `yaml:"primary_keys"`

	// FilterByLatestDate gates the pre-delta date filter; default true.
	FilterByLatestDate *bool `yaml:"filter_by_latest_date"`
}

func (d *Dataset) FilterByLatest() bool {
	return d.FilterByLatestDate == nil || *d.FilterByLatestDate
}

// PluginName returns the parse plugin, defaulting to the format-generic one.
func (d *Dataset) PluginName() string {
	if d.Parser.Plugin != "" {
		return d.Parser.Plugin
	}
	if d.Source.Format == "xlsx" {
		return "xlsx"
	}
	return "generic"
}

func (d *Dataset) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: dataset id is required", ErrConfig)
	}
	if len(d.PrimaryKeys) == 0 {
		return fmt.Errorf("%w: dataset %q: primary_keys must not be empty", ErrConfig, d.ID)
	}
	switch d.Source.Kind {
	case "http":
		if d.Source.URL == "" {
			return fmt.Errorf("%w: dataset %q: source.url is required for http sources", ErrConfig, d.ID)
		}
	case "local":
		if d.Source.URL == "" {
			return fmt.Errorf("%w: dataset %q: source.url must hold the local path", ErrConfig, d.ID)
		}
	default:
		return fmt.Errorf("%w: dataset %q: source.kind must be http or local, got %q", ErrConfig, d.ID, d.Source.Kind)
	}
	switch d.Source.Format {
	case "csv", "xlsx", "json", "":
	default:
		return fmt.Errorf("%w: dataset %q: unsupported source.format %q", ErrConfig, d.ID, d.Source.Format)
	}
	return nil
}

// LoadDataset parses one registry file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset config %q: %w", path, err)
	}
	var d Dataset
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %q: %v", ErrConfig, path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if d.ID != stem {
		return nil, fmt.Errorf("%w: dataset id %q does not match file name %q", ErrConfig, d.ID, stem)
	}
	return &d, nil
}

// Registry holds every dataset config under a directory.
type Registry struct {
	datasets map[string]*Dataset
}

// LoadRegistry reads every *.yaml / *.yml in dir.
func LoadRegistry(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset config dir %q: %w", dir, err)
	}
	reg := &Registry{datasets: make(map[string]*Dataset)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		d, err := LoadDataset(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		reg.datasets[d.ID] = d
	}
	return reg, nil
}

// Get returns the dataset config or ErrUnknownDataset.
func (r *Registry) Get(id string) (*Dataset, error) {
	d, ok := r.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, id)
	}
	return d, nil
}

// IDs lists the registered dataset ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.datasets))
	for id := range r.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
