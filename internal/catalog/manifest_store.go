package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/serieslake-io/serieslake/internal/obstore"
)

// Pointer is the mutable head of a dataset: the only object the publication
// protocol updates in place, always with a conditional put.
type Pointer struct {
	DatasetID      string `json:"dataset_id"`
	CurrentVersion string `json:"current_version"`
}

// ManifestFile records one archived source file.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ManifestSource describes the fetched artifact a version was built from.
type ManifestSource struct {
	URI    string         `json:"uri"`
	SHA256 string         `json:"sha256"`
	Files  []ManifestFile `json:"files"`
}

// ManifestOutputs summarizes what the version wrote.
type ManifestOutputs struct {
	Files     []string `json:"files"`
	RowsTotal int      `json:"rows_total"`
	RowsAdded int      `json:"rows_added"`
}

// ManifestLineage links a version to its predecessor.
type ManifestLineage struct {
	PriorVersion string `json:"prior_version"`
	FullReload   bool   `json:"full_reload"`
}

// Manifest is immutable once written: a version directory is never touched
// again after its manifest lands.
type Manifest struct {
	DatasetID string          `json:"dataset_id"`
	Version   string          `json:"version"`
	RunID     string          `json:"run_id"`
	CreatedAt string          `json:"created_at"`
	Source    ManifestSource  `json:"source"`
	Outputs   ManifestOutputs `json:"outputs"`
	Lineage   ManifestLineage `json:"lineage"`
}

// ReadPointer returns the pointer and the etag it was read at, or a nil
// pointer when the dataset has never published.
func (c *Catalog) ReadPointer(ctx context.Context, ds string) (*Pointer, string, error) {
	key := c.paths.CurrentManifest(ds)
	body, etag, err := c.store.GetWithETag(ctx, key)
	if err != nil {
		if errors.Is(err, obstore.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	var ptr Pointer
	if err := json.Unmarshal(body, &ptr); err != nil {
		return nil, "", fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return &ptr, etag, nil
}

// SwapPointer publishes version by conditional put. priorETag/priorExists
// come from the ReadPointer call the run based its delta on; a publish in
// between makes the put fail with obstore.ErrPreconditionFailed.
func (c *Catalog) SwapPointer(ctx context.Context, ds, version, priorETag string, priorExists bool) error {
	ptr := Pointer{DatasetID: ds, CurrentVersion: version}
	var err error
	if priorExists {
		_, err = c.putJSON(ctx, c.paths.CurrentManifest(ds), ptr, obstore.WithIfMatch(priorETag))
	} else {
		_, err = c.putJSON(ctx, c.paths.CurrentManifest(ds), ptr, obstore.WithIfNoneMatch())
	}
	return err
}

// WriteVersionManifest stores the immutable manifest for m.Version.
func (c *Catalog) WriteVersionManifest(ctx context.Context, m *Manifest) error {
	key := c.paths.VersionManifest(m.DatasetID, m.Version)
	if _, err := c.putJSON(ctx, key, m); err != nil {
		return fmt.Errorf("failed to write version manifest: %w", err)
	}
	return nil
}

// ReadVersionManifest returns nil when the version does not exist.
func (c *Catalog) ReadVersionManifest(ctx context.Context, ds, version string) (*Manifest, error) {
	var m Manifest
	found, err := c.getJSON(ctx, c.paths.VersionManifest(ds, version), &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// ReadCurrentManifest follows the pointer. Both results nil when the dataset
// has never published.
func (c *Catalog) ReadCurrentManifest(ctx context.Context, ds string) (*Manifest, error) {
	ptr, _, err := c.ReadPointer(ctx, ds)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, nil
	}
	m, err := c.ReadVersionManifest(ctx, ds, ptr.CurrentVersion)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("pointer for %q references missing version %q", ds, ptr.CurrentVersion)
	}
	return m, nil
}
