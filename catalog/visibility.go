package catalog

import "context"

// projectVisibility hides a transfer's source product once it has no
// listings left. It never re-enables visibility; that is an admin action.
// Returns the remaining listing count and whether the product was hidden.
func projectVisibility(ctx context.Context, tx Tx, productID ProductID) (int, bool, error) {
	remaining, err := tx.CountListings(ctx, productID)
	if err != nil {
		return 0, false, internal("count listings", err)
	}
	if remaining > 0 {
		return remaining, false, nil
	}
	if err := tx.SetProductVisible(ctx, productID, false); err != nil {
		return 0, false, internal("hide product", err)
	}
	return 0, true, nil
}
