package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/serieslake-io/serieslake/internal/catalog"
	"github.com/serieslake-io/serieslake/internal/delta"
	"github.com/serieslake-io/serieslake/internal/obstore"
)

// publish makes the version visible: version manifest first (its path is
// unique per run, so the put is unconditional), then the pointer swap, and
// only once the swap holds, the key index. priorETag/priorExists must come
// from the pointer read the run based its delta on; a publish in between
// flips the etag and the swap reports the lost race as (false, nil), leaving
// the pointer and index untouched. The orphaned version directory is the
// only residue.
func (p *Pipeline) publish(ctx context.Context, m *catalog.Manifest, updated *delta.Index, priorETag string, priorExists bool) (bool, error) {
	if err := p.cat.WriteVersionManifest(ctx, m); err != nil {
		return false, err
	}
	if err := p.cat.SwapPointer(ctx, m.DatasetID, m.Version, priorETag, priorExists); err != nil {
		if errors.Is(err, obstore.ErrPreconditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to swap pointer: %w", err)
	}
	if err := p.cat.WriteKeyIndex(ctx, m.DatasetID, updated); err != nil {
		return false, fmt.Errorf("failed to write key index: %w", err)
	}
	return true, nil
}
