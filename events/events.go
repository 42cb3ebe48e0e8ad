/*
Package events delivers committed price changes to collaborators outside
the engine (wishlist alerts, push notifications, search re-indexing).

The engine publishes only after commit, so a subscriber never sees a
change that was rolled back. Delivery is at-most-once from the engine's
point of view: a failed publish is logged and dropped.

IMPLEMENTATIONS:
  Nop:      Discards everything (default when Redis is disabled)
  Recorder: Keeps changes in memory (tests)
  redis:    Pub/Sub channel + capped stream (events/redis)
*/
package events

import (
	"context"
	"sync"

	"github.com/pricewatch/price-ledger/catalog"
)

// Nop drops every change.
type Nop struct{}

func (Nop) PublishPriceChange(context.Context, catalog.PriceChange) error { return nil }

// Recorder keeps every published change in order.
type Recorder struct {
	mu      sync.Mutex
	changes []catalog.PriceChange
	// Err, when set, is returned from every publish after recording.
	Err error
}

func (r *Recorder) PublishPriceChange(_ context.Context, c catalog.PriceChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return r.Err
}

// Changes returns a copy of everything recorded so far.
func (r *Recorder) Changes() []catalog.PriceChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]catalog.PriceChange(nil), r.changes...)
}

var (
	_ catalog.Publisher = Nop{}
	_ catalog.Publisher = (*Recorder)(nil)
)
