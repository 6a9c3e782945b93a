package models

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

type ShippingAddress struct {
	Name       string `json:"name" binding:"required"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" binding:"required"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

type Order struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	Email             string          `json:"email"`
	TotalAmount       int64           `json:"total_amount"`
	Status            OrderStatus     `json:"status"`
	CheckoutSessionID string          `json:"checkout_session_id,omitempty"`
	PaymentIntentID   string          `json:"payment_intent_id,omitempty"`
	ShippingAddress   ShippingAddress `json:"shipping_address"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OrderItem is an immutable snapshot of a purchased line. Name and price are
// captured at checkout time so historical orders survive catalog edits.
// ProductID is nullable so the snapshot also survives product deletion.
type OrderItem struct {
	ID           int    `json:"id"`
	OrderID      int    `json:"order_id"`
	ProductID    *int   `json:"product_id"`
	ProductName  string `json:"product_name"`
	ProductPrice int64  `json:"product_price"`
	Quantity     int    `json:"quantity"`
}

type CheckoutItem struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gt=0"`
}

// Items is deliberately not tagged required: an empty cart must surface as a
// distinct checkout error, not a generic binding failure.
type CheckoutRequest struct {
	Items           []CheckoutItem  `json:"items" binding:"omitempty,dive"`
	ShippingAddress ShippingAddress `json:"shipping_address" binding:"required"`
}

// PricedLineItem is the resolver's output: catalog price and display metadata
// captured for one cart line. The session initiator forwards these fields to
// the payment processor verbatim.
type PricedLineItem struct {
	ProductID   int
	Name        string
	Description string
	ImageURL    string
	UnitPrice   int64
	Quantity    int
}
