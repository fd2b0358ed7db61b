package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is one product line of a cart, priced in minor units.
type CartLine struct {
	ProductID      string `json:"product_id" bson:"product_id" validate:"required"`
	Quantity       int    `json:"quantity" bson:"quantity" validate:"gt=0"`
	SelectedColor  string `json:"selected_color,omitempty" bson:"selected_color"`
	SelectedSize   string `json:"selected_size,omitempty" bson:"selected_size"`
	UnitPriceMinor int64  `json:"unit_price_minor" bson:"unit_price_minor" validate:"gte=0"`
}

// LineKey identifies a cart line: the same product in another color or size is another line.
type LineKey struct {
	ProductID     string
	SelectedColor string
	SelectedSize  string
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, SelectedColor: l.SelectedColor, SelectedSize: l.SelectedSize}
}

// SubtotalMinor is the line price. It fails with ErrInvalidAmount when the
// product does not fit in an int64.
func (l CartLine) SubtotalMinor() (int64, error) {
	if l.Quantity > 0 && l.UnitPriceMinor > math.MaxInt64/int64(l.Quantity) {
		return 0, ErrInvalidAmount
	}
	return l.UnitPriceMinor * int64(l.Quantity), nil
}

type Totals struct {
	SubtotalMinor int64 `json:"subtotal_minor"`
	ShippingMinor int64 `json:"shipping_minor"`
	DiscountMinor int64 `json:"discount_minor"`
	TotalMinor    int64 `json:"total_minor"`
}

// CartSnapshot represents the full cart state at checkout time.
// Totals are computed once by NewCartSnapshot and must not be re-derived during an attempt:
// the payment amount already authorized is based on them.
type CartSnapshot struct {
	Lines      []CartLine `json:"lines"`
	Totals     Totals     `json:"totals"`
	Currency   string     `json:"currency"`
	CapturedAt time.Time  `json:"captured_at"`
}

func NewCartSnapshot(lines []CartLine, shippingMinor, discountMinor int64, currency string) (CartSnapshot, error) {
	if len(lines) == 0 {
		return CartSnapshot{}, ErrEmptyCart
	}
	if shippingMinor < 0 || discountMinor < 0 {
		return CartSnapshot{}, ErrInvalidAmount
	}

	for _, line := range lines {
		if line.Quantity <= 0 {
			return CartSnapshot{}, ErrInvalidQuantity
		}
		if line.UnitPriceMinor < 0 {
			return CartSnapshot{}, ErrInvalidAmount
		}
	}
	subtotal, err := Subtotal(lines)
	if err != nil {
		return CartSnapshot{}, err
	}
	if subtotal > math.MaxInt64-shippingMinor {
		return CartSnapshot{}, ErrInvalidAmount
	}

	total := subtotal + shippingMinor - discountMinor
	if total < 0 {
		total = 0
	}
	if currency == "" {
		currency = "USD"
	}

	return CartSnapshot{
		Lines: append([]CartLine(nil), lines...),
		Totals: Totals{
			SubtotalMinor: subtotal,
			ShippingMinor: shippingMinor,
			DiscountMinor: discountMinor,
			TotalMinor:    total,
		},
		Currency:   currency,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// Subtotal sums the line prices, failing with ErrInvalidAmount on overflow.
func Subtotal(lines []CartLine) (int64, error) {
	var sum int64
	for _, line := range lines {
		lineTotal, err := line.SubtotalMinor()
		if err != nil {
			return 0, err
		}
		if sum > math.MaxInt64-lineTotal {
			return 0, ErrInvalidAmount
		}
		sum += lineTotal
	}
	return sum, nil
}

// MajorUnits renders a minor-unit amount as a decimal string ("1999" -> "19.99").
func MajorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
