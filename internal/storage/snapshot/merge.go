package snapshot

import (
	"context"
	"fmt"
)

// MergeFiles folds the records of another snapshot file (for example one
// produced on a second machine) into the store using the guarded merge.
func MergeFiles(ctx context.Context, into *Store, fromPath string) (SaveResult, error) {
	other, err := ReadFile(fromPath)
	if err != nil {
		return SaveResult{}, fmt.Errorf("read %s: %w", fromPath, err)
	}
	res, err := into.MergeAndSave(ctx, other.Products)
	if err != nil {
		return SaveResult{}, fmt.Errorf("merge %s: %w", fromPath, err)
	}
	return res, nil
}
