package payments

import (
	"context"
	"strconv"
)

// Intent statuses reported by the gateway that the coordinator cares about.
const (
	IntentStatusSucceeded = "succeeded"
)

// Webhook event types.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
)

// Metadata keys written on every intent and read back from webhooks.
const (
	MetadataOrderID = "order_id"
	MetadataUserID  = "user_id"
)

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

type CreateIntentParams struct {
	// Amount is in the currency's minor unit.
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Event is a verified webhook delivery. Intent is set for payment intent events.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// Gateway is the external payment provider. Implementations must bound every
// call they make over the network by the context they are given.
type Gateway interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	// ParseWebhook verifies signature over payload with the shared webhook
	// secret and decodes the event. Unverified payloads are never decoded.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

func intentMetadata(orderID int64, userID string) map[string]string {
	return map[string]string{
		MetadataOrderID: strconv.FormatInt(orderID, 10),
		MetadataUserID:  userID,
	}
}

func idempotencyKey(orderID int64) string {
	return "order-" + strconv.FormatInt(orderID, 10) + "-payment-intent"
}
