/*
errors.go - Centralized error types for the price ledger

PURPOSE:
  All error types in one place. Every public engine operation fails with
  an error that matches exactly one category via errors.Is():

    ErrInvalidArgument  malformed or missing input, nothing was written
    ErrNotFound         referenced product/listing/seller is absent
    ErrConflict         would break one-listing-per-seller-per-product
    ErrInternal         storage or transaction failure

  All four are raised before or during the transaction and cause a full
  rollback. The engine never retries; retry policy belongs to the caller.

USAGE:
  if catalog.IsConflict(err) {
      // 409
  }

SEE ALSO:
  - engine.go, transfer.go: Produce these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package catalog

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Kind names the entity a NotFoundError refers to.
type Kind string

const (
	KindProduct Kind = "product"
	KindSeller  Kind = "seller"
	KindListing Kind = "listing"
)

// NotFoundError identifies which referenced entity is missing.
type NotFoundError struct {
	Kind Kind
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError reports a (product, seller) pair that already has a listing.
type ConflictError struct {
	ProductID ProductID
	SellerID  SellerID
	// ListingID is the existing listing that occupies the pair.
	ListingID ListingID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seller %d already has listing %d on product %d",
		e.SellerID, e.ListingID, e.ProductID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidArgumentError names the offending field.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

func notFound(kind Kind, id int64) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func invalid(field, reason string) error {
	return &InvalidArgumentError{Field: field, Reason: reason}
}

// internal wraps a storage failure so it matches ErrInternal while keeping
// the driver error in the chain.
func internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsConflict(err) || IsInvalidArgument(err) || errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsClientError returns true if the caller can fix the request.
func IsClientError(err error) bool {
	return IsNotFound(err) || IsConflict(err) || IsInvalidArgument(err)
}
