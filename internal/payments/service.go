// Package payments coordinates orders with the external payment gateway.
// Payment can be confirmed by the client or by a gateway webhook; both
// paths end in the same idempotent order transition.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/logging"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
	"go.uber.org/zap"
)

// Orders is the part of the order engine the coordinator relies on.
type Orders interface {
	GetByID(ctx context.Context, orderID int64, userID string) (*models.Order, error)
	MarkPaid(ctx context.Context, orderID int64) (bool, error)
}

type Service struct {
	db       *sql.DB
	orders   Orders
	gateway  Gateway
	currency string
	metrics  *metrics.Metrics
}

func NewService(db *sql.DB, orders Orders, gateway Gateway, currency string, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		db:       db,
		orders:   orders,
		gateway:  gateway,
		currency: currency,
		metrics:  m,
	}
}

// CreatePaymentIntent opens a gateway payment for a pending order. If the
// order already has an intent, that intent is returned instead of a new one.
// The intent id is stored on the order only after the gateway has created it.
func (s *Service) CreatePaymentIntent(ctx context.Context, orderID int64, userID string) (*models.PaymentIntent, error) {
	logger := logging.FromContext(ctx)

	order, err := s.orders.GetByID(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusPending {
		return nil, apperr.Validation("order %d is not in pending status", orderID)
	}

	amount, err := ToMinorUnits(order.TotalAmount, s.currency)
	if err != nil {
		return nil, err
	}

	if order.PaymentIntentID != nil {
		intent, err := s.gateway.GetIntent(ctx, *order.PaymentIntentID)
		if err != nil {
			return nil, apperr.Gateway(err, "payment gateway unavailable")
		}
		logger.Info("reusing payment intent",
			zap.Int64("order_id", orderID),
			zap.String("payment_intent_id", intent.ID))
		return s.intentView(order, intent), nil
	}

	intent, err := s.gateway.CreateIntent(ctx, CreateIntentParams{
		Amount:         amount,
		Currency:       s.currency,
		Metadata:       intentMetadata(order.ID, order.UserID),
		IdempotencyKey: idempotencyKey(order.ID),
	})
	if err != nil {
		logger.Warn("create payment intent failed", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, apperr.Gateway(err, "payment gateway unavailable")
	}

	err = database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return store.AttachPaymentIntent(ctx, tx, order.ID, intent.ID)
	})
	if err != nil {
		if errors.Is(err, database.ErrOrderStatusChanged) {
			return nil, apperr.Validation("order %d is not in pending status", orderID)
		}
		return nil, err
	}

	logger.Info("payment intent created",
		zap.Int64("order_id", orderID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount", amount),
		zap.String("currency", s.currency))

	return s.intentView(order, intent), nil
}

// ConfirmPayment asks the gateway for the intent's status and, if it
// succeeded, marks the order paid. Repeating the call after the order has
// been paid is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, paymentIntentID, userID string) (*models.Order, error) {
	order, err := s.resolve(ctx, paymentIntentID, userID)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.GetIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, apperr.Gateway(err, "payment gateway unavailable")
	}

	if err := s.confirm(ctx, order, intent, metrics.TriggerClient); err != nil {
		return nil, err
	}

	return s.orders.GetByID(ctx, order.ID, userID)
}

func (s *Service) GetPaymentStatus(ctx context.Context, paymentIntentID, userID string) (*models.PaymentStatus, error) {
	order, err := s.resolve(ctx, paymentIntentID, userID)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.GetIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, apperr.Gateway(err, "payment gateway unavailable")
	}

	return &models.PaymentStatus{
		Status:  intent.Status,
		OrderID: order.ID,
		Amount:  order.TotalAmount,
		PaidAt:  order.PaidAt,
	}, nil
}

// HandleWebhook verifies and applies one gateway delivery. Only
// payment_intent.succeeded events change anything; other verified events are
// accepted and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	logger := logging.FromContext(ctx)

	if len(payload) == 0 || signature == "" {
		s.metrics.WebhookRejections.WithLabelValues("missing").Inc()
		return apperr.SignatureInvalid(errors.New("missing payload or signature"))
	}

	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		s.metrics.WebhookRejections.WithLabelValues("signature").Inc()
		logger.Warn("webhook signature rejected", zap.Error(err))
		return apperr.SignatureInvalid(err)
	}

	if event.Type != EventPaymentIntentSucceeded {
		logger.Debug("webhook event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil
	}

	if event.Intent == nil {
		s.metrics.WebhookRejections.WithLabelValues("metadata").Inc()
		return apperr.Validation("webhook event carries no payment intent")
	}

	orderID, userID, err := metadataRefs(event.Intent.Metadata)
	if err != nil {
		s.metrics.WebhookRejections.WithLabelValues("metadata").Inc()
		return err
	}

	order, err := store.GetOrderByPaymentIntent(ctx, s.db, event.Intent.ID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			s.metrics.WebhookRejections.WithLabelValues("unknown_intent").Inc()
			return apperr.NotFound("no order for payment intent %s", event.Intent.ID)
		}
		return err
	}

	if order.ID != orderID || order.UserID != userID {
		s.metrics.WebhookRejections.WithLabelValues("mismatch").Inc()
		logger.Warn("webhook metadata does not match order",
			zap.String("event_id", event.ID),
			zap.Int64("order_id", order.ID),
			zap.Int64("metadata_order_id", orderID))
		return apperr.Validation("payment intent metadata does not match order")
	}

	return s.confirm(ctx, order, event.Intent, metrics.TriggerWebhook)
}

func (s *Service) confirm(ctx context.Context, order *models.Order, intent *Intent, trigger string) error {
	logger := logging.FromContext(ctx).With(
		zap.Int64("order_id", order.ID),
		zap.String("payment_intent_id", intent.ID),
		zap.String("trigger", trigger))

	if intent.Status != IntentStatusSucceeded {
		s.metrics.PaymentConfirmations.WithLabelValues(trigger, metrics.OutcomeNotSucceeded).Inc()
		logger.Info("payment not succeeded yet", zap.String("intent_status", intent.Status))
		return nil
	}

	transitioned, err := s.orders.MarkPaid(ctx, order.ID)
	if err != nil {
		// A cancelled order stays cancelled. The gateway would redeliver on
		// an error response, so the webhook is acknowledged instead.
		if trigger == metrics.TriggerWebhook && errors.Is(err, apperr.ErrValidation) {
			s.metrics.PaymentConfirmations.WithLabelValues(trigger, metrics.OutcomeCancelled).Inc()
			logger.Warn("payment succeeded for an order that cannot be paid", zap.Error(err))
			return nil
		}
		return err
	}

	outcome := metrics.OutcomeNoop
	if transitioned {
		outcome = metrics.OutcomeTransitioned
	}
	s.metrics.PaymentConfirmations.WithLabelValues(trigger, outcome).Inc()
	logger.Info("payment confirmed", zap.String("outcome", outcome))

	return nil
}

// resolve finds the order behind an intent id and checks that userID owns it.
func (s *Service) resolve(ctx context.Context, paymentIntentID, userID string) (*models.Order, error) {
	order, err := store.GetOrderByPaymentIntent(ctx, s.db, paymentIntentID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.NotFound("no order for payment intent %s", paymentIntentID)
		}
		return nil, err
	}

	if order.UserID != userID {
		return nil, apperr.Forbidden("payment intent %s belongs to another user", paymentIntentID)
	}

	return order, nil
}

func (s *Service) intentView(order *models.Order, intent *Intent) *models.PaymentIntent {
	return &models.PaymentIntent{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          order.TotalAmount,
		Currency:        s.currency,
		OrderID:         order.ID,
	}
}

func metadataRefs(metadata map[string]string) (int64, string, error) {
	rawOrderID, ok := metadata[MetadataOrderID]
	if !ok || rawOrderID == "" {
		return 0, "", apperr.Validation("payment intent metadata missing %s", MetadataOrderID)
	}

	userID, ok := metadata[MetadataUserID]
	if !ok || userID == "" {
		return 0, "", apperr.Validation("payment intent metadata missing %s", MetadataUserID)
	}

	orderID, err := strconv.ParseInt(rawOrderID, 10, 64)
	if err != nil {
		return 0, "", apperr.Validation("payment intent metadata has invalid %s", MetadataOrderID)
	}

	return orderID, userID, nil
}
