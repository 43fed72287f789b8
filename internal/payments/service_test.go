package payments

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/database/dbtest"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/orders"
	"github.com/safar/go-checkout-store/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type paymentServiceSuite struct {
	suite.Suite

	db      *dbtest.DB
	gateway *fakeGateway
	metrics *metrics.Metrics
	orders  *orders.Service
	svc     *Service
}

func TestPaymentServiceSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	suite.Run(t, new(paymentServiceSuite))
}

func (s *paymentServiceSuite) SetupSuite() {
	db, err := dbtest.Start(context.Background())
	s.Require().NoError(err)
	s.db = db
}

func (s *paymentServiceSuite) TearDownSuite() {
	if s.db != nil {
		s.NoError(s.db.Close(context.Background()))
	}
}

func (s *paymentServiceSuite) SetupTest() {
	s.Require().NoError(s.db.Reset(context.Background()))
	s.gateway = newFakeGateway()
	s.metrics = metrics.New(nil)
	s.orders = orders.NewService(s.db.DB, nil, s.metrics)
	s.svc = NewService(s.db.DB, s.orders, s.gateway, "usd", s.metrics)
}

// placeOrder checks out two units at 12.50 for userID.
func (s *paymentServiceSuite) placeOrder(userID string) *models.Order {
	ctx := context.Background()

	p, err := store.CreateProduct(ctx, s.db, gofakeit.UUID(), gofakeit.ProductName(), "",
		decimal.RequireFromString("12.50"), 10)
	s.Require().NoError(err)

	cart, err := store.EnsureCart(ctx, s.db, userID)
	s.Require().NoError(err)
	s.Require().NoError(store.AddCartItem(ctx, s.db, cart.ID, p.ID, 2))

	order, err := s.orders.CreateFromCart(ctx, userID, gofakeit.Street())
	s.Require().NoError(err)
	return order
}

func (s *paymentServiceSuite) startPayment(userID string) (*models.Order, *models.PaymentIntent) {
	order := s.placeOrder(userID)
	intent, err := s.svc.CreatePaymentIntent(context.Background(), order.ID, userID)
	s.Require().NoError(err)
	return order, intent
}

func (s *paymentServiceSuite) reload(orderID int64) *models.Order {
	order, err := store.GetOrder(context.Background(), s.db, orderID)
	s.Require().NoError(err)
	return order
}

func (s *paymentServiceSuite) confirmations(trigger, outcome string) float64 {
	return testutil.ToFloat64(s.metrics.PaymentConfirmations.WithLabelValues(trigger, outcome))
}

func (s *paymentServiceSuite) webhookEvent(intentID, status string, metadata map[string]string) *Event {
	return &Event{
		ID:   "evt_" + gofakeit.UUID(),
		Type: EventPaymentIntentSucceeded,
		Intent: &Intent{
			ID:       intentID,
			Status:   status,
			Metadata: metadata,
		},
	}
}

func (s *paymentServiceSuite) TestCreatePaymentIntent() {
	t := s.T()
	ctx := context.Background()
	order := s.placeOrder("u1")

	intent, err := s.svc.CreatePaymentIntent(ctx, order.ID, "u1")
	require.NoError(t, err)

	assert.NotEmpty(t, intent.PaymentIntentID)
	assert.NotEmpty(t, intent.ClientSecret)
	assert.Equal(t, order.ID, intent.OrderID)
	assert.Equal(t, "usd", intent.Currency)
	assert.True(t, decimal.RequireFromString("25.00").Equal(intent.Amount))

	require.Len(t, s.gateway.created, 1)
	params := s.gateway.created[0]
	assert.Equal(t, int64(2500), params.Amount)
	assert.Equal(t, "usd", params.Currency)
	assert.Equal(t, "order-"+strconv.FormatInt(order.ID, 10)+"-payment-intent", params.IdempotencyKey)
	assert.Equal(t, map[string]string{
		MetadataOrderID: strconv.FormatInt(order.ID, 10),
		MetadataUserID:  "u1",
	}, params.Metadata)

	stored := s.reload(order.ID)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, intent.PaymentIntentID, *stored.PaymentIntentID)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func (s *paymentServiceSuite) TestCreatePaymentIntentReusesExisting() {
	t := s.T()
	order, first := s.startPayment("u1")

	second, err := s.svc.CreatePaymentIntent(context.Background(), order.ID, "u1")
	require.NoError(t, err)

	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, 1, s.gateway.createCalls())
}

func (s *paymentServiceSuite) TestCreatePaymentIntentRequiresPending() {
	t := s.T()
	ctx := context.Background()
	order := s.placeOrder("u1")

	_, err := s.orders.MarkPaid(ctx, order.ID)
	require.NoError(t, err)

	_, err = s.svc.CreatePaymentIntent(ctx, order.ID, "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, s.gateway.createCalls())
}

func (s *paymentServiceSuite) TestCreatePaymentIntentOwnership() {
	t := s.T()
	ctx := context.Background()
	order := s.placeOrder("u1")

	_, err := s.svc.CreatePaymentIntent(ctx, order.ID, "u2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = s.svc.CreatePaymentIntent(ctx, order.ID+1000, "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Zero(t, s.gateway.createCalls())
}

func (s *paymentServiceSuite) TestGatewayFailureStoresNothing() {
	t := s.T()
	order := s.placeOrder("u1")
	s.gateway.createErr = errors.New("connection reset by peer")

	_, err := s.svc.CreatePaymentIntent(context.Background(), order.ID, "u1")
	require.ErrorIs(t, err, apperr.ErrGateway)
	assert.Equal(t, "payment gateway unavailable", apperr.PublicMessage(err))

	stored := s.reload(order.ID)
	assert.Nil(t, stored.PaymentIntentID)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func (s *paymentServiceSuite) TestConfirmPaymentIsIdempotent() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")
	s.gateway.setStatus(intent.PaymentIntentID, IntentStatusSucceeded)

	paid, err := s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, paid.ID)
	assert.Equal(t, models.OrderStatusProcessing, paid.Status)
	require.NotNil(t, paid.PaidAt)

	again, err := s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, again.Status)
	assert.True(t, paid.PaidAt.Equal(*again.PaidAt))

	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerClient, metrics.OutcomeTransitioned))
	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerClient, metrics.OutcomeNoop))
}

func (s *paymentServiceSuite) TestConfirmPaymentNotSucceeded() {
	t := s.T()
	order, intent := s.startPayment("u1")

	got, err := s.svc.ConfirmPayment(context.Background(), intent.PaymentIntentID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Nil(t, got.PaidAt)

	assert.Equal(t, models.OrderStatusPending, s.reload(order.ID).Status)
	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerClient, metrics.OutcomeNotSucceeded))
}

func (s *paymentServiceSuite) TestConfirmPaymentErrors() {
	t := s.T()
	ctx := context.Background()
	_, intent := s.startPayment("u1")
	s.gateway.setStatus(intent.PaymentIntentID, IntentStatusSucceeded)

	_, err := s.svc.ConfirmPayment(ctx, "pi_unknown", "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	s.gateway.getErr = errors.New("timeout")
	_, err = s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u1")
	assert.ErrorIs(t, err, apperr.ErrGateway)
}

func (s *paymentServiceSuite) TestGetPaymentStatus() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")

	status, err := s.svc.GetPaymentStatus(ctx, intent.PaymentIntentID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "requires_payment_method", status.Status)
	assert.Equal(t, order.ID, status.OrderID)
	assert.True(t, decimal.RequireFromString("25.00").Equal(status.Amount))
	assert.Nil(t, status.PaidAt)

	_, err = s.svc.GetPaymentStatus(ctx, intent.PaymentIntentID, "u2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = s.svc.GetPaymentStatus(ctx, "pi_unknown", "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func (s *paymentServiceSuite) TestWebhookMarksOrderPaid() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")

	s.gateway.event = s.webhookEvent(intent.PaymentIntentID, IntentStatusSucceeded,
		intentMetadata(order.ID, "u1"))

	require.NoError(t, s.svc.HandleWebhook(ctx, []byte(`{}`), fakeSignature))

	stored := s.reload(order.ID)
	assert.Equal(t, models.OrderStatusProcessing, stored.Status)
	require.NotNil(t, stored.PaidAt)

	// Replayed delivery.
	require.NoError(t, s.svc.HandleWebhook(ctx, []byte(`{}`), fakeSignature))
	assert.True(t, stored.PaidAt.Equal(*s.reload(order.ID).PaidAt))

	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerWebhook, metrics.OutcomeTransitioned))
	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerWebhook, metrics.OutcomeNoop))
}

func (s *paymentServiceSuite) TestWebhookAfterClientConfirmIsNoop() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")
	s.gateway.setStatus(intent.PaymentIntentID, IntentStatusSucceeded)

	_, err := s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u1")
	require.NoError(t, err)

	s.gateway.event = s.webhookEvent(intent.PaymentIntentID, IntentStatusSucceeded,
		intentMetadata(order.ID, "u1"))
	require.NoError(t, s.svc.HandleWebhook(ctx, []byte(`{}`), fakeSignature))

	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerClient, metrics.OutcomeTransitioned))
	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerWebhook, metrics.OutcomeNoop))
}

func (s *paymentServiceSuite) TestWebhookRejectsBadSignature() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")
	s.gateway.event = s.webhookEvent(intent.PaymentIntentID, IntentStatusSucceeded,
		intentMetadata(order.ID, "u1"))

	err := s.svc.HandleWebhook(ctx, []byte(`{}`), "t=1,v1=forged")
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	err = s.svc.HandleWebhook(ctx, []byte(`{}`), "")
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	err = s.svc.HandleWebhook(ctx, nil, fakeSignature)
	assert.ErrorIs(t, err, apperr.ErrSignatureInvalid)

	assert.Equal(t, models.OrderStatusPending, s.reload(order.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.WebhookRejections.WithLabelValues("signature")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.WebhookRejections.WithLabelValues("missing")))
}

func (s *paymentServiceSuite) TestWebhookMetadata() {
	ctx := context.Background()
	order, intent := s.startPayment("u1")
	orderID := strconv.FormatInt(order.ID, 10)

	tests := []struct {
		name     string
		intentID string
		metadata map[string]string
		want     error
	}{
		{"missing order id", intent.PaymentIntentID, map[string]string{MetadataUserID: "u1"}, apperr.ErrValidation},
		{"missing user id", intent.PaymentIntentID, map[string]string{MetadataOrderID: orderID}, apperr.ErrValidation},
		{"malformed order id", intent.PaymentIntentID, map[string]string{MetadataOrderID: "abc", MetadataUserID: "u1"}, apperr.ErrValidation},
		{"other user", intent.PaymentIntentID, map[string]string{MetadataOrderID: orderID, MetadataUserID: "u2"}, apperr.ErrValidation},
		{"other order", intent.PaymentIntentID, map[string]string{MetadataOrderID: orderID + "0", MetadataUserID: "u1"}, apperr.ErrValidation},
		{"unknown intent", "pi_unknown", intentMetadata(order.ID, "u1"), apperr.ErrNotFound},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.gateway.event = s.webhookEvent(tt.intentID, IntentStatusSucceeded, tt.metadata)

			err := s.svc.HandleWebhook(ctx, []byte(`{}`), fakeSignature)
			assert.ErrorIs(s.T(), err, tt.want)
			assert.Equal(s.T(), models.OrderStatusPending, s.reload(order.ID).Status)
		})
	}
}

func (s *paymentServiceSuite) TestWebhookIgnoresOtherEvents() {
	t := s.T()
	order, intent := s.startPayment("u1")

	event := s.webhookEvent(intent.PaymentIntentID, "requires_payment_method", intentMetadata(order.ID, "u1"))
	event.Type = "payment_intent.payment_failed"
	s.gateway.event = event

	require.NoError(t, s.svc.HandleWebhook(context.Background(), []byte(`{}`), fakeSignature))
	assert.Equal(t, models.OrderStatusPending, s.reload(order.ID).Status)

	s.gateway.event = &Event{ID: "evt_charge", Type: "charge.refunded"}
	require.NoError(t, s.svc.HandleWebhook(context.Background(), []byte(`{}`), fakeSignature))
}

func (s *paymentServiceSuite) TestWebhookForCancelledOrder() {
	t := s.T()
	ctx := context.Background()
	order, intent := s.startPayment("u1")

	_, err := s.orders.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled, "u1")
	require.NoError(t, err)

	s.gateway.event = s.webhookEvent(intent.PaymentIntentID, IntentStatusSucceeded,
		intentMetadata(order.ID, "u1"))

	require.NoError(t, s.svc.HandleWebhook(ctx, []byte(`{}`), fakeSignature))
	assert.Equal(t, models.OrderStatusCancelled, s.reload(order.ID).Status)
	assert.Nil(t, s.reload(order.ID).PaidAt)
	assert.Equal(t, 1.0, s.confirmations(metrics.TriggerWebhook, metrics.OutcomeCancelled))

	// The client path still reports the conflict.
	s.gateway.setStatus(intent.PaymentIntentID, IntentStatusSucceeded)
	_, err = s.svc.ConfirmPayment(ctx, intent.PaymentIntentID, "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
