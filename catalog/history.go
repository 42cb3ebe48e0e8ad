/*
history.go - Lowest-price transitions

PURPOSE:
  Turns a (before, after) pair of resolved lowest listings into a
  HistoryEntry, or into nothing when the lowest price did not move.

RULES:
  1. Compare prices, not listings. A different listing holding the same
     lowest price is not a transition.
  2. nil -> value and value -> nil ARE transitions.
  3. Difference = new - old, a missing side counts as 0.
  4. Percentage = difference / old * 100, rounded to 2 places.
     Undefined (NULL) when old is missing or zero. Never divides by zero.
  5. SellerID is the holder of the new lowest; when the product ended
     empty it is the holder of the old lowest.

EXAMPLE:
  before: 1000 (seller X)   after: 900 (seller Y)
  -> {seller Y, old 1000, new 900, diff -100, pct -10.00}
*/
package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// lowestPrice returns the price of l, or nil.
func lowestPrice(l *Listing) *Price {
	if l == nil {
		return nil
	}
	p := l.Price
	return &p
}

// samePrice compares two optional prices.
func samePrice(a, b *Price) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Transition builds the history entry for a before/after snapshot pair.
// Returns false when the lowest price is unchanged.
func Transition(productID ProductID, before, after *Listing, at time.Time) (HistoryEntry, bool) {
	oldPrice, newPrice := lowestPrice(before), lowestPrice(after)
	if samePrice(oldPrice, newPrice) {
		return HistoryEntry{}, false
	}

	entry := HistoryEntry{
		ID:        uuid.NewString(),
		ProductID: productID,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
		CreatedAt: at.UTC(),
	}

	if after != nil {
		entry.SellerID = after.SellerID
	} else {
		entry.SellerID = before.SellerID
	}

	var oldV, newV int64
	if oldPrice != nil {
		oldV = int64(*oldPrice)
	}
	if newPrice != nil {
		newV = int64(*newPrice)
	}
	entry.Difference = newV - oldV
	entry.Percentage = PercentageChange(oldPrice, entry.Difference)

	return entry, true
}

// PercentageChange returns diff relative to old, in percent, rounded to two
// decimal places. Invalid when old is nil or zero.
func PercentageChange(old *Price, diff int64) decimal.NullDecimal {
	if old == nil || *old == 0 {
		return decimal.NullDecimal{}
	}
	pct := decimal.NewFromInt(diff).
		Mul(hundred).
		DivRound(decimal.NewFromInt(int64(*old)), 2)
	return decimal.NullDecimal{Decimal: pct, Valid: true}
}
