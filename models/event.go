package models

type OrderEvent struct {
	EventID     string      `json:"event_id"`
	OrderID     int         `json:"order_id"`
	UserID      int         `json:"user_id"`
	Status      OrderStatus `json:"status"`
	TotalAmount int64       `json:"total_amount"`
	EventType   string      `json:"event_type"` // order_created, order_completed, order_cancelled
}
