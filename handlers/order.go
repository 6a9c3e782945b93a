package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
)

const orderColumns = `id, user_id, email, total_amount, status, checkout_session_id, payment_intent_id,
	shipping_name, shipping_line1, shipping_line2, shipping_city, shipping_postal_code, shipping_country,
	created_at, updated_at`

type OrderHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderHandler(db *sql.DB, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:     db,
		logger: logger,
	}
}

func scanOrder(row interface{ Scan(dest ...any) error }, o *models.Order) error {
	return row.Scan(&o.ID, &o.UserID, &o.Email, &o.TotalAmount, &o.Status,
		&o.CheckoutSessionID, &o.PaymentIntentID,
		&o.ShippingAddress.Name, &o.ShippingAddress.Line1, &o.ShippingAddress.Line2,
		&o.ShippingAddress.City, &o.ShippingAddress.PostalCode, &o.ShippingAddress.Country,
		&o.CreatedAt, &o.UpdatedAt)
}

// GetOrders lists the authenticated user's orders, newest first.
func (h *OrderHandler) GetOrders(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "GetOrders")
	defer span.End()

	userID := c.GetInt("user_id")
	span.SetAttributes(attribute.Int("user_id", userID))

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

// GetOrder returns one of the authenticated user's orders with its line-item
// snapshot.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	userID := c.GetInt("user_id")

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var order models.Order
	err = scanOrder(h.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		orderID, userID,
	), &order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT id, order_id, product_id, product_name, product_price, quantity FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch order items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.ProductPrice, &item.Quantity); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order item", zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}
