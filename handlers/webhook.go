package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/middleware"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/payments"
)

// eventParser is what the webhook handler needs from the payment processor
// client: verify-and-parse a raw signed payload.
type eventParser interface {
	ParseEvent(payload []byte, sigHeader string) (*payments.Event, error)
}

// WebhookHandler reconciles asynchronous payment outcomes into order state.
// It is invoked by the payment processor, not a browser, so it carries no
// user session; the signature check is the authentication boundary.
type WebhookHandler struct {
	db       *sql.DB
	payments eventParser
	events   eventPublisher
	logger   *zap.Logger
}

func NewWebhookHandler(db *sql.DB, paymentsClient eventParser, events eventPublisher, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		db:       db,
		payments: paymentsClient,
		events:   events,
		logger:   logger,
	}
}

// HandlePaymentEvent is the webhook endpoint. Signature verification happens
// before anything touches the store. Recognized-or-ignored events are always
// acknowledged with 200 so the processor does not retry forever; only a
// failed order-state write returns 500, which is safe to redeliver because
// reconciliation is idempotent.
func (h *WebhookHandler) HandlePaymentEvent(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "HandlePaymentEvent")
	defer span.End()

	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	event, err := h.payments.ParseEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		span.RecordError(err)
		middleware.RecordWebhookEvent("unknown", "signature_failed")
		h.logger.Warn("Webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	span.SetAttributes(attribute.String("webhook.event_type", event.Type))

	switch event.Kind {
	case payments.EventCheckoutCompleted:
		if err := h.handleCheckoutCompleted(ctx, event); err != nil {
			span.RecordError(err)
			middleware.RecordWebhookEvent(event.Type, "error")
			h.logger.Error("Failed to reconcile completed checkout", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		middleware.RecordWebhookEvent(event.Type, "processed")

	case payments.EventPaymentFailed:
		if err := h.handlePaymentFailed(ctx, event); err != nil {
			span.RecordError(err)
			middleware.RecordWebhookEvent(event.Type, "error")
			h.logger.Error("Failed to reconcile failed payment", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		middleware.RecordWebhookEvent(event.Type, "processed")

	default:
		// Forward-compatible no-op: unhandled event kinds are acknowledged.
		middleware.RecordWebhookEvent(event.Type, "ignored")
		h.logger.Info("Ignoring webhook event", zap.String("event_type", event.Type))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleCheckoutCompleted transitions the correlated order to completed,
// records the payment intent reference, then clears the owning user's cart.
// The cart clear is best-effort cleanup; the status transition is the
// correctness-critical effect. Redelivery of the same event finds the order
// already terminal and short-circuits.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *payments.Event) error {
	orderID, err := strconv.Atoi(event.OrderID)
	if err != nil {
		// Malformed or missing correlation metadata can never be reconciled;
		// acknowledge so the processor stops redelivering.
		h.logger.Error("Webhook event carries invalid order metadata",
			zap.String("order_id", event.OrderID),
			zap.String("event_type", event.Type),
		)
		return nil
	}

	var status models.OrderStatus
	var userID int
	err = h.db.QueryRowContext(ctx,
		"SELECT status, user_id FROM orders WHERE id = $1", orderID,
	).Scan(&status, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.logger.Warn("Webhook references unknown order", zap.Int("order_id", orderID))
			return nil
		}
		return err
	}

	if status.IsTerminal() {
		h.logger.Info("Order already in terminal state, skipping",
			zap.Int("order_id", orderID),
			zap.String("status", string(status)),
		)
		return nil
	}

	if _, err := h.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_intent_id = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		models.OrderStatusCompleted, event.PaymentIntentID, orderID,
	); err != nil {
		return err
	}

	// Clear the user's cart. Log and continue on failure; the order is
	// already completed.
	if _, err := h.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		h.logger.Error("Failed to clear cart after order completion",
			zap.Int("order_id", orderID),
			zap.Int("user_id", userID),
			zap.Error(err),
		)
	}

	orderEvent := models.OrderEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		UserID:    userID,
		Status:    models.OrderStatusCompleted,
		EventType: "order_completed",
	}
	if err := h.events.Publish(ctx, orderEventsTopic, orderEvent); err != nil {
		h.logger.Error("Failed to publish order_completed event", zap.Error(err))
	}

	h.logger.Info("Order completed",
		zap.Int("order_id", orderID),
		zap.String("payment_intent_id", event.PaymentIntentID),
	)
	return nil
}

// handlePaymentFailed cancels the order matching the payment intent
// reference. This event type does not carry the session metadata, so the
// lookup goes through the recorded payment_intent_id; a miss is logged and
// acknowledged, never escalated.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event *payments.Event) error {
	var orderID int
	var status models.OrderStatus
	err := h.db.QueryRowContext(ctx,
		"SELECT id, status FROM orders WHERE payment_intent_id = $1 AND payment_intent_id <> ''",
		event.PaymentIntentID,
	).Scan(&orderID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.logger.Warn("Payment failure references no known order",
				zap.String("payment_intent_id", event.PaymentIntentID),
			)
			return nil
		}
		return err
	}

	if status.IsTerminal() {
		h.logger.Info("Order already in terminal state, skipping",
			zap.Int("order_id", orderID),
			zap.String("status", string(status)),
		)
		return nil
	}

	if _, err := h.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.OrderStatusCancelled, orderID,
	); err != nil {
		return err
	}

	orderEvent := models.OrderEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		Status:    models.OrderStatusCancelled,
		EventType: "order_cancelled",
	}
	if err := h.events.Publish(ctx, orderEventsTopic, orderEvent); err != nil {
		h.logger.Error("Failed to publish order_cancelled event", zap.Error(err))
	}

	h.logger.Info("Order cancelled after payment failure",
		zap.Int("order_id", orderID),
		zap.String("payment_intent_id", event.PaymentIntentID),
	)
	return nil
}
