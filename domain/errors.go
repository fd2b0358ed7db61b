package domain

import "errors"

var (
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity   = errors.New("quantity must be a positive integer")
	ErrInvalidAmount     = errors.New("amounts must not be negative")
	ErrIllegalTransition = errors.New("illegal transition of checkout state")
)
