package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentageChange(t *testing.T) {
	tests := []struct {
		name  string
		old   *Price
		diff  int64
		want  string
		valid bool
	}{
		{"drop", PricePtr(1000), -100, "-10.00", true},
		{"rise", PricePtr(1000), 200, "20.00", true},
		{"removal", PricePtr(1000), -1000, "-100.00", true},
		{"one third", PricePtr(3), 1, "33.33", true},
		{"two thirds", PricePtr(3), 2, "66.67", true},
		{"negative thirds", PricePtr(3), -2, "-66.67", true},
		{"first appearance", nil, 500, "", false},
		{"zero old price", PricePtr(0), 500, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentageChange(tt.old, tt.diff)
			assert.Equal(t, tt.valid, got.Valid)
			if tt.valid {
				assert.Equal(t, tt.want, got.Decimal.StringFixed(2))
			}
		})
	}
}

func TestTransition(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("KST", 9*3600))
	x := &Listing{ID: 1, SellerID: 10, Price: 1000}
	y := &Listing{ID: 2, SellerID: 20, Price: 900}
	z := &Listing{ID: 3, SellerID: 30, Price: 1000}

	t.Run("unchanged price is not a transition", func(t *testing.T) {
		_, ok := Transition(7, x, z, at)
		assert.False(t, ok)

		_, ok = Transition(7, nil, nil, at)
		assert.False(t, ok)
	})

	t.Run("drop credits the new holder", func(t *testing.T) {
		e, ok := Transition(7, x, y, at)
		assert.True(t, ok)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, ProductID(7), e.ProductID)
		assert.Equal(t, SellerID(20), e.SellerID)
		assert.Equal(t, int64(-100), e.Difference)
		assert.Equal(t, "-10.00", e.Percentage.Decimal.StringFixed(2))
		assert.Equal(t, time.UTC, e.CreatedAt.Location())
	})

	t.Run("appearance has no percentage", func(t *testing.T) {
		e, ok := Transition(7, nil, y, at)
		assert.True(t, ok)
		assert.Nil(t, e.OldPrice)
		assert.Equal(t, Price(900), *e.NewPrice)
		assert.Equal(t, int64(900), e.Difference)
		assert.False(t, e.Percentage.Valid)
	})

	t.Run("removal credits the previous holder", func(t *testing.T) {
		e, ok := Transition(7, x, nil, at)
		assert.True(t, ok)
		assert.Equal(t, SellerID(10), e.SellerID)
		assert.Nil(t, e.NewPrice)
		assert.Equal(t, int64(-1000), e.Difference)
		assert.Equal(t, "-100.00", e.Percentage.Decimal.StringFixed(2))
	})

	t.Run("entries get distinct ids", func(t *testing.T) {
		a, _ := Transition(7, x, y, at)
		b, _ := Transition(7, x, y, at)
		assert.NotEqual(t, a.ID, b.ID)
	})
}
