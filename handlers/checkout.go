package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/middleware"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/payments"
)

var (
	ErrEmptyCart      = errors.New("cart is empty")
	ErrUnknownProduct = errors.New("unknown product in cart")
)

// sessionCreator is what the checkout handler needs from the payment
// processor client.
type sessionCreator interface {
	CreateCheckoutSession(ctx context.Context, items []models.PricedLineItem, orderID, userID int, email, successURL, cancelURL string) (*payments.CheckoutSession, error)
}

// eventPublisher is what handlers need from the Kafka producer.
type eventPublisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

const orderEventsTopic = "order_events"

type CheckoutHandler struct {
	db         *sql.DB
	payments   sessionCreator
	events     eventPublisher
	logger     *zap.Logger
	successURL string
	cancelURL  string
}

func NewCheckoutHandler(db *sql.DB, paymentsClient sessionCreator, events eventPublisher, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		db:         db,
		payments:   paymentsClient,
		events:     events,
		logger:     logger,
		successURL: getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
		cancelURL:  getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
	}
}

// Checkout turns a client-submitted cart into a pending order and a hosted
// payment session: price the lines against the catalog, persist the order
// with its item snapshot, open the processor session carrying the order id as
// metadata, and hand the redirect URL back. The order stays pending until the
// webhook reconciles the payment outcome.
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "Checkout")
	defer span.End()

	userID := c.GetInt("user_id")
	email := c.GetString("email")
	if userID == 0 || email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	span.SetAttributes(attribute.Int("user_id", userID))

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, total, err := h.resolveLineItems(ctx, req.Items)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyCart):
			middleware.RecordCheckoutAttempt("empty_cart")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cart is empty"})
		case errors.Is(err, ErrUnknownProduct):
			middleware.RecordCheckoutAttempt("unknown_product")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			span.RecordError(err)
			middleware.RecordCheckoutAttempt("internal_error")
			h.logger.Error("Failed to resolve line items", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	span.SetAttributes(
		attribute.Int("checkout.items", len(items)),
		attribute.Int64("checkout.total_amount", total),
	)

	orderID, err := h.createOrder(ctx, userID, email, req.ShippingAddress, items, total)
	if err != nil {
		span.RecordError(err)
		middleware.RecordCheckoutAttempt("internal_error")
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	session, err := h.payments.CreateCheckoutSession(ctx, items, orderID, userID, email, h.successURL, h.cancelURL)
	if err != nil {
		// The pending order is not rolled back; the user can retry or the
		// order can be cleaned up out-of-band.
		span.RecordError(err)
		middleware.RecordCheckoutAttempt("session_failed")
		h.logger.Error("Failed to create checkout session",
			zap.Int("order_id", orderID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment provider unavailable"})
		return
	}

	// Second small write after the insert. If it fails the webhook can still
	// correlate through the session metadata, so log and continue.
	if _, err := h.db.ExecContext(ctx,
		"UPDATE orders SET checkout_session_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		session.ID, orderID,
	); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to record checkout session reference",
			zap.Int("order_id", orderID),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	event := models.OrderEvent{
		EventID:     uuid.NewString(),
		OrderID:     orderID,
		UserID:      userID,
		Status:      models.OrderStatusPending,
		TotalAmount: total,
		EventType:   "order_created",
	}
	if err := h.events.Publish(ctx, orderEventsTopic, event); err != nil {
		h.logger.Error("Failed to publish order_created event", zap.Error(err))
		// Don't fail the request, but log the error
	}

	middleware.RecordCheckoutAttempt("success")
	h.logger.Info("Checkout initiated",
		zap.Int("order_id", orderID),
		zap.Int64("total_amount", total),
		zap.String("session_id", session.ID),
	)
	c.JSON(http.StatusOK, gin.H{"checkout_url": session.URL})
}

// resolveLineItems prices every (product, quantity) pair against the catalog
// in one batch lookup. Any unknown product reference aborts the whole
// operation; nothing has been written at this point. Side-effect free.
func (h *CheckoutHandler) resolveLineItems(ctx context.Context, reqItems []models.CheckoutItem) ([]models.PricedLineItem, int64, error) {
	if len(reqItems) == 0 {
		return nil, 0, ErrEmptyCart
	}

	ids := make([]int64, 0, len(reqItems))
	for _, item := range reqItems {
		ids = append(ids, int64(item.ProductID))
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT id, name, description, price, image_url FROM products WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch products: %w", err)
	}
	defer rows.Close()

	byID := make(map[int]models.Product, len(reqItems))
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.ImageURL); err != nil {
			return nil, 0, fmt.Errorf("failed to scan product: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read products: %w", err)
	}

	items := make([]models.PricedLineItem, 0, len(reqItems))
	var total int64
	for _, reqItem := range reqItems {
		p, ok := byID[reqItem.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: product %d", ErrUnknownProduct, reqItem.ProductID)
		}
		items = append(items, models.PricedLineItem{
			ProductID:   p.ID,
			Name:        p.Name,
			Description: p.Description,
			ImageURL:    p.ImageURL,
			UnitPrice:   p.Price,
			Quantity:    reqItem.Quantity,
		})
		total += p.Price * int64(reqItem.Quantity)
	}

	return items, total, nil
}

// createOrder writes the pending order and its full item snapshot in one
// transaction. A partial write (order without all of its items) must never be
// visible.
func (h *CheckoutHandler) createOrder(ctx context.Context, userID int, email string, addr models.ShippingAddress, items []models.PricedLineItem, total int64) (int, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orderID int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, email, total_amount, status,
			shipping_name, shipping_line1, shipping_line2, shipping_city, shipping_postal_code, shipping_country)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		userID, email, total, models.OrderStatusPending,
		addr.Name, addr.Line1, addr.Line2, addr.City, addr.PostalCode, addr.Country,
	).Scan(&orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, product_name, product_price, quantity) VALUES ($1, $2, $3, $4, $5)",
			orderID, item.ProductID, item.Name, item.UnitPrice, item.Quantity,
		); err != nil {
			return 0, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit order: %w", err)
	}

	return orderID, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
