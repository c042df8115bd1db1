// Package catalog is the typed layer over the object store: manifests,
// pointers, key indexes, event files, month indexes, projections and run
// artifacts, each read and written at the keys Paths defines.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alitto/pond/v2"

	"github.com/serieslake-io/serieslake/internal/obstore"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

const defaultConcurrency = 8

// Config wires a Catalog.
type Config struct {
	Logger *slog.Logger
	Store  obstore.Store
	Paths  Paths

	// Concurrency bounds parallel object reads and writes.
	Concurrency int
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Paths.Prefix == "" {
		c.Paths = NewPaths("")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// Catalog is safe for concurrent use.
type Catalog struct {
	log      *slog.Logger
	store    obstore.Store
	paths    Paths
	pool     pond.Pool
	rowsPool pond.ResultPool[[]rowset.Observation]
}

func New(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Catalog{
		log:      cfg.Logger,
		store:    cfg.Store,
		paths:    cfg.Paths,
		pool:     pond.NewPool(cfg.Concurrency),
		rowsPool: pond.NewResultPool[[]rowset.Observation](cfg.Concurrency),
	}, nil
}

func (c *Catalog) Paths() Paths { return c.paths }

// Store exposes the underlying object store for callers composing raw key
// operations (WAL copies, tmp cleanup).
func (c *Catalog) Store() obstore.Store { return c.store }

// getJSON reads and decodes key into v; found=false when the key is absent.
func (c *Catalog) getJSON(ctx context.Context, key string, v any) (bool, error) {
	body, err := c.store.Get(ctx, key)
	if errors.Is(err, obstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (c *Catalog) putJSON(ctx context.Context, key string, v any, opts ...obstore.PutOption) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %q: %w", key, err)
	}
	opts = append(opts, obstore.WithContentType("application/json"))
	return c.store.Put(ctx, key, body, opts...)
}

// WriteRows stores rows as a Parquet object at key.
func (c *Catalog) WriteRows(ctx context.Context, key string, rows []rowset.Observation) error {
	data, err := rowset.MarshalParquet(rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows for %q: %w", key, err)
	}
	if _, err := c.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// ReadRows loads a Parquet object written by WriteRows.
func (c *Catalog) ReadRows(ctx context.Context, key string) ([]rowset.Observation, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := rowset.UnmarshalParquet(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return rows, nil
}
