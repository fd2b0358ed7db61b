package domain

import "time"

// Cart is the live, mutable cart owned by the cart store.
type Cart struct {
	UserID    string     `json:"user_id" bson:"user_id"`
	Items     []CartLine `json:"items" bson:"items"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// LockToken proves ownership of a cart lock. Value is unique per acquisition.
type LockToken struct {
	UserID     string    `json:"user_id"`
	Value      string    `json:"value"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (t LockToken) IsZero() bool {
	return t.Value == ""
}
