package transformer

import (
	"context"
	"fmt"

	"claimprep/internal/dataset"
)

// CollectDataset appends every row from in to ds, whose schema must list the
// row columns in order, and frees the rows. It stops appending at the first
// error or on cancellation but keeps draining in so upstream stages can exit.
func CollectDataset(ctx context.Context, ds *dataset.Dataset, in <-chan *Row) error {
	var firstErr error
	for r := range in {
		if firstErr != nil || ctx.Err() != nil {
			r.Drop()
			continue
		}
		if err := ds.Append(r.V...); err != nil {
			firstErr = fmt.Errorf("collect: line %d: %w", r.Line, err)
			r.Drop()
			continue
		}
		r.Free()
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
