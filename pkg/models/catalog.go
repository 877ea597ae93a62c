package models

import "github.com/shopspring/decimal"

// MaxQuantity caps the number of stickers on a single order.
const MaxQuantity = 1000

var sizeCatalog = []Size{
	{ID: 1, Label: `2" x 2"`, UnitPrice: decimal.RequireFromString("2.99")},
	{ID: 2, Label: `3" x 3"`, UnitPrice: decimal.RequireFromString("3.99")},
	{ID: 3, Label: `4" x 4"`, UnitPrice: decimal.RequireFromString("4.99")},
}

// Sizes returns a copy of the sticker size catalog.
func Sizes() []Size {
	out := make([]Size, len(sizeCatalog))
	copy(out, sizeCatalog)
	return out
}

func LookupSize(id int) (Size, bool) {
	for _, s := range sizeCatalog {
		if s.ID == id {
			return s, true
		}
	}
	return Size{}, false
}
