package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
)

// Correlation metadata keys attached to every checkout session. The webhook
// handler maps an asynchronous event back to the originating order through
// these.
const (
	metadataOrderID = "order_id"
	metadataUserID  = "user_id"
)

type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventPaymentFailed     EventKind = "payment_failed"
	EventUnrecognized      EventKind = "unrecognized"
)

// Event is the closed set of processor notifications this application acts
// on. Unhandled processor event types parse into EventUnrecognized rather
// than an error, so the webhook endpoint can still acknowledge them.
type Event struct {
	Kind            EventKind
	Type            string // raw processor event type, for logging
	OrderID         string // from session metadata (checkout completed only)
	UserID          string
	PaymentIntentID string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type Client struct {
	webhookSecret string
	currency      string
	logger        *zap.Logger
}

func NewClient(logger *zap.Logger) *Client {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	return &Client{
		webhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		currency:      getEnv("CHECKOUT_CURRENCY", "usd"),
		logger:        logger,
	}
}

// CreateCheckoutSession opens a hosted checkout session for the priced line
// items. Name, description, image and unit price are forwarded verbatim from
// the resolver output, never re-derived here.
func (c *Client) CreateCheckoutSession(ctx context.Context, items []models.PricedLineItem, orderID, userID int, email, successURL, cancelURL string) (*CheckoutSession, error) {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.Description != "" {
			productData.Description = stripe.String(item.Description)
		}
		if item.ImageURL != "" {
			productData.Images = stripe.StringSlice([]string{item.ImageURL})
		}

		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(item.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(c.currency),
				UnitAmount:  stripe.Int64(item.UnitPrice),
				ProductData: productData,
			},
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		CustomerEmail: stripe.String(email),
		LineItems:     lineItems,
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, strconv.Itoa(orderID))
	params.AddMetadata(metadataUserID, strconv.Itoa(userID))

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.Info("Checkout session created",
		zap.String("session_id", s.ID),
		zap.Int("order_id", orderID),
	)

	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// ParseEvent verifies the webhook signature against the shared secret and
// maps the payload onto the closed Event variant. Verification failure is the
// only error path; it must happen before the payload is interpreted.
func (c *Client) ParseEvent(payload []byte, sigHeader string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to parse checkout session payload: %w", err)
		}
		event := &Event{
			Kind:    EventCheckoutCompleted,
			Type:    string(stripeEvent.Type),
			OrderID: sess.Metadata[metadataOrderID],
			UserID:  sess.Metadata[metadataUserID],
		}
		if sess.PaymentIntent != nil {
			event.PaymentIntentID = sess.PaymentIntent.ID
		}
		return event, nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("failed to parse payment intent payload: %w", err)
		}
		return &Event{
			Kind:            EventPaymentFailed,
			Type:            string(stripeEvent.Type),
			PaymentIntentID: intent.ID,
		}, nil

	default:
		return &Event{
			Kind: EventUnrecognized,
			Type: string(stripeEvent.Type),
		}, nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
