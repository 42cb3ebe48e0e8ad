/*
audit.go - Ledger drift detection

PURPOSE:
  The ledger is only an observation log; the lowest price is always
  recomputed from listings. If anything writes listings outside the
  engine (a manual SQL fix, an import script) the two drift apart
  silently. The auditor finds products where the newest history entry
  does not describe the current lowest price.

RULES:
  - No history and no listings: consistent.
  - No history but listings exist: drift (Recorded = nil).
  - Otherwise compare the newest entry's NewPrice with the resolver.

  A mismatch seen outside a unit of work is confirmed under the product
  lock before it is reported.

  Read-only. It reports, never repairs: a repair would be a history
  entry that no mutation caused.

SEE ALSO:
  - api/scheduler.go: Periodic runner
*/
package catalog

import "context"

// Drift describes one product whose ledger disagrees with its listings.
type Drift struct {
	ProductID ProductID
	Recorded  *Price
	Actual    *Price
}

type Auditor struct {
	Store Store
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{Store: store}
}

// Check scans every product and returns the ones that drifted.
func (a *Auditor) Check(ctx context.Context) ([]Drift, error) {
	ids, err := a.Store.ProductIDs(ctx)
	if err != nil {
		return nil, internal("list products", err)
	}

	var drifts []Drift
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}
		d, ok, err := a.CheckProduct(ctx, id)
		if err != nil {
			return drifts, err
		}
		if ok {
			drifts = append(drifts, d)
		}
	}
	return drifts, nil
}

// CheckProduct compares one product's newest history entry with its
// current lowest price. Returns true when they disagree.
//
// The first comparison reads outside any unit of work and can straddle an
// engine write. A mismatch is therefore confirmed inside WithTx, after
// locking the product, before it is reported.
func (a *Auditor) CheckProduct(ctx context.Context, id ProductID) (Drift, bool, error) {
	d, drifted, err := compareLedger(ctx, a.Store, id)
	if err != nil || !drifted {
		return d, drifted, err
	}

	err = a.Store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProducts(ctx, id); err != nil {
			return internal("lock products", err)
		}
		d, drifted, err = compareLedger(ctx, tx, id)
		return err
	})
	if err != nil {
		return Drift{}, false, err
	}
	return d, drifted, nil
}

func compareLedger(ctx context.Context, r Reader, id ProductID) (Drift, bool, error) {
	lowest, err := ResolveLowest(ctx, r, id)
	if err != nil {
		return Drift{}, false, err
	}
	latest, err := r.History(ctx, id, 1, 0)
	if err != nil {
		return Drift{}, false, internal("load history", err)
	}

	var recorded *Price
	if len(latest) > 0 {
		recorded = latest[0].NewPrice
	}
	actual := lowestPrice(lowest)

	if samePrice(recorded, actual) {
		return Drift{}, false, nil
	}
	return Drift{ProductID: id, Recorded: recorded, Actual: actual}, true, nil
}
