/*
transfer.go - Bulk transfer (merge) of listings between products

PURPOSE:
  Moves a set of listings from a source product to a target product,
  typically when an admin merges two catalog entries for the same item.

FLOW (one transaction):
  1. Validate input, lock both products (NotFound if either is missing)
  2. Load the named listings of the source (NotFound if none resolve)
  3. Whole-batch collision check against the target's sellers (Conflict)
  4. Resolve lowest for source and target (before)
  5. Reassign every listing in one batch
  6. Resolve lowest for source and target (after)
  7. Append one HistoryEntry per product whose lowest price changed
  8. Hide the source if it ended with zero listings
  9. Commit

ALL-OR-NOTHING:
  Step 3 rejects the whole batch if ANY listing collides. Moving the
  non-colliding ones would leave the merge half-done and hard to
  reverse. Any later failure rolls back steps 5-8 as well.

RESULT:
  Zero, one or two history entries, and the counts the admin UI shows.

SEE ALSO:
  - engine.go: Shared helpers (locking, recording, publishing)
  - visibility.go: Source product projector
*/
package catalog

import (
	"context"
	"log/slog"
)

type TransferInput struct {
	SourceProductID ProductID
	TargetProductID ProductID
	ListingIDs      []ListingID
}

func (in TransferInput) validate() error {
	if in.SourceProductID <= 0 {
		return invalid("sourceProductId", "required")
	}
	if in.TargetProductID <= 0 {
		return invalid("targetProductId", "required")
	}
	if in.SourceProductID == in.TargetProductID {
		return invalid("targetProductId", "must differ from sourceProductId")
	}
	if len(in.ListingIDs) == 0 {
		return invalid("listingIds", "must not be empty")
	}
	for _, id := range in.ListingIDs {
		if id <= 0 {
			return invalid("listingIds", "ids must be positive")
		}
	}
	return nil
}

// TransferListings merges the named listings of the source product into the
// target product.
func (e *Engine) TransferListings(ctx context.Context, in TransferInput) (*TransferResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var result *TransferResult
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		src, dst := in.SourceProductID, in.TargetProductID

		if err := e.requireProducts(ctx, tx, src, dst); err != nil {
			return err
		}

		candidates, err := tx.ListingsByIDs(ctx, src, dedupe(in.ListingIDs))
		if err != nil {
			return internal("load listings", err)
		}
		if len(candidates) == 0 {
			return &NotFoundError{Kind: KindListing, ID: int64(in.ListingIDs[0])}
		}

		for _, l := range candidates {
			if err := requireFreePair(ctx, tx, dst, l.SellerID, 0); err != nil {
				return err
			}
		}

		srcBefore, err := ResolveLowest(ctx, tx, src)
		if err != nil {
			return err
		}
		dstBefore, err := ResolveLowest(ctx, tx, dst)
		if err != nil {
			return err
		}

		ids := make([]ListingID, len(candidates))
		for i, l := range candidates {
			ids[i] = l.ID
		}
		moved, err := tx.ReassignListings(ctx, ids, dst)
		if err != nil {
			return internal("reassign listings", err)
		}

		var entries []HistoryEntry
		if entries, err = e.record(ctx, tx, src, srcBefore, entries); err != nil {
			return err
		}
		if entries, err = e.record(ctx, tx, dst, dstBefore, entries); err != nil {
			return err
		}

		remaining, hidden, err := projectVisibility(ctx, tx, src)
		if err != nil {
			return err
		}

		result = &TransferResult{
			Transferred:     moved,
			RemainingSource: remaining,
			History:         entries,
			SourceHidden:    hidden,
		}
		return nil
	})
	if err != nil {
		e.rejected(ctx, "transfer listings", err,
			slog.Int64("source_product_id", int64(in.SourceProductID)),
			slog.Int64("target_product_id", int64(in.TargetProductID)),
		)
		return nil, err
	}

	e.logger().InfoContext(ctx, "listings transferred",
		slog.Int64("source_product_id", int64(in.SourceProductID)),
		slog.Int64("target_product_id", int64(in.TargetProductID)),
		slog.Int("transferred", result.Transferred),
		slog.Int("remaining_source", result.RemainingSource),
		slog.Bool("source_hidden", result.SourceHidden),
	)
	e.publish(ctx, CauseTransfer, result.History)
	return result, nil
}

func dedupe(ids []ListingID) []ListingID {
	seen := make(map[ListingID]bool, len(ids))
	out := make([]ListingID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
