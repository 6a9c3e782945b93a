package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
	"github.com/Bossciano/SIMPLE-ECOMMERCE/payments"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload produces a valid processor signature header for the payload:
// t=<unix>,v1=<hmac-sha256(secret, "<unix>.<payload>")>
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func setupWebhookTest(t *testing.T) (*WebhookHandler, sqlmock.Sqlmock, *stubPublisher, *gin.Engine) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	// Real processor client so signature verification is exercised
	client := payments.NewClient(logger)
	events := &stubPublisher{}
	handler := NewWebhookHandler(db, client, events, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/payments", handler.HandlePaymentEvent)

	return handler, mock, events, router
}

func postWebhook(router *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func completedSessionPayload(orderID, userID, paymentIntentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": "2024-06-20",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_123",
				"object": "checkout.session",
				"metadata": {"order_id": %q, "user_id": %q},
				"payment_intent": %q
			}
		}
	}`, orderID, userID, paymentIntentID))
}

func paymentFailedPayload(paymentIntentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_2",
		"object": "event",
		"api_version": "2024-06-20",
		"type": "payment_intent.payment_failed",
		"data": {
			"object": {
				"id": %q,
				"object": "payment_intent"
			}
		}
	}`, paymentIntentID))
}

func TestWebhookHandler_CheckoutCompleted_Success(t *testing.T) {
	handler, mock, events, router := setupWebhookTest(t)
	defer handler.db.Close()

	// Mock: order is still pending
	mock.ExpectQuery(`SELECT status, user_id FROM orders WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "user_id"}).AddRow("pending", 3))

	// Mock: terminal transition records the payment intent
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(models.OrderStatusCompleted, "pi_456", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Mock: cart clear for the owning user
	mock.ExpectExec(`DELETE FROM cart_items WHERE user_id = \$1`).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 2))

	payload := completedSessionPayload("7", "3", "pi_456")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if len(events.events) != 1 {
		t.Fatalf("Expected 1 published event, got %d", len(events.events))
	}
	orderEvent, ok := events.events[0].(models.OrderEvent)
	if !ok || orderEvent.EventType != "order_completed" || orderEvent.OrderID != 7 {
		t.Errorf("Unexpected published event: %+v", events.events[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_CheckoutCompleted_DuplicateDeliveryShortCircuits(t *testing.T) {
	handler, mock, events, router := setupWebhookTest(t)
	defer handler.db.Close()

	// Mock: order already completed; no update and no second cart clear
	mock.ExpectQuery(`SELECT status, user_id FROM orders WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "user_id"}).AddRow("completed", 3))

	payload := completedSessionPayload("7", "3", "pi_456")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(events.events) != 0 {
		t.Errorf("Expected no published events on duplicate delivery, got %d", len(events.events))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_CheckoutCompleted_CartClearFailureStillAcks(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	mock.ExpectQuery(`SELECT status, user_id FROM orders WHERE id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "user_id"}).AddRow("pending", 3))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(models.OrderStatusCompleted, "pi_456", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM cart_items WHERE user_id = \$1`).
		WithArgs(3).
		WillReturnError(sql.ErrConnDone)

	payload := completedSessionPayload("7", "3", "pi_456")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	// The completion is the correctness-critical effect; cart clearing is
	// best-effort cleanup
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_PaymentFailed_CancelsOrder(t *testing.T) {
	handler, mock, events, router := setupWebhookTest(t)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, status FROM orders WHERE payment_intent_id").
		WithArgs("pi_456").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(7, "processing"))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(models.OrderStatusCancelled, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload := paymentFailedPayload("pi_456")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(events.events) != 1 {
		t.Errorf("Expected 1 published event, got %d", len(events.events))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_PaymentFailed_UnknownIntentIsAcknowledged(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	// Mock: no order carries this payment intent; logged, not escalated
	mock.ExpectQuery("SELECT id, status FROM orders WHERE payment_intent_id").
		WithArgs("pi_unknown").
		WillReturnError(sql.ErrNoRows)

	payload := paymentFailedPayload("pi_unknown")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_UnrecognizedEventIsAcknowledged(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	// No database expectations - unhandled event kinds never touch the store
	payload := []byte(`{
		"id": "evt_3",
		"object": "event",
		"api_version": "2024-06-20",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "object": "invoice"}}
	}`)
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_InvalidSignatureRejectedBeforeStoreAccess(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	// No database expectations - any store access would fail the mock
	payload := completedSessionPayload("7", "3", "pi_456")
	w := postWebhook(router, payload, signPayload(payload, "whsec_wrong_secret"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_MissingSignatureRejected(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	payload := completedSessionPayload("7", "3", "pi_456")
	w := postWebhook(router, payload, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWebhookHandler_CheckoutCompleted_UnknownOrderIsAcknowledged(t *testing.T) {
	handler, mock, _, router := setupWebhookTest(t)
	defer handler.db.Close()

	mock.ExpectQuery(`SELECT status, user_id FROM orders WHERE id = \$1`).
		WithArgs(42).
		WillReturnError(sql.ErrNoRows)

	payload := completedSessionPayload("42", "3", "pi_456")
	w := postWebhook(router, payload, signPayload(payload, testWebhookSecret))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
