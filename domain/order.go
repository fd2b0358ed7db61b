package domain

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// OrderRecord is the backend order. The backend keeps at most one per IntentID.
type OrderRecord struct {
	OrderID         string      `json:"order_id"`
	OrderNumber     string      `json:"order_number"`
	IntentID        string      `json:"intent_id"`
	Status          OrderStatus `json:"status"`
	CartSnapshotRef string      `json:"cart_snapshot_ref,omitempty"`
	Totals          Totals      `json:"totals"`
}
