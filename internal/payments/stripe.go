package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/safar/go-checkout-store/internal/config"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StripeGateway talks to Stripe through an explicitly constructed client.
// Nothing is stored in stripe-go's package-level Key or backends.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	tracer        trace.Tracer
	metrics       *metrics.Metrics
}

func NewStripeGateway(cfg config.PaymentsConfig, logger *zap.Logger, m *metrics.Metrics) *StripeGateway {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.GatewayTimeout},
		LeveledLogger:     logger.Named("stripe").Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	return &StripeGateway{
		api:           client.New(cfg.StripeAPIKey, stripe.NewBackendsWithConfig(backendCfg)),
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.GatewayTimeout,
		tracer:        otel.Tracer("github.com/safar/go-checkout-store/internal/payments"),
		metrics:       m,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := g.tracer.Start(ctx, "stripe.payment_intents.create", trace.WithAttributes(
		attribute.Int64("payment.amount", p.Amount),
		attribute.String("payment.currency", p.Currency),
	))
	defer span.End()
	defer g.observe("create_intent", time.Now())

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment intent")
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	span.SetAttributes(attribute.String("payment.intent_id", pi.ID))
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := g.tracer.Start(ctx, "stripe.payment_intents.get", trace.WithAttributes(
		attribute.String("payment.intent_id", id),
	))
	defer span.End()
	defer g.observe("get_intent", time.Now())

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get payment intent")
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}

	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, err
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}

	if strings.HasPrefix(out.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent event: %w", err)
		}
		out.Intent = fromStripeIntent(&pi)
	}

	return out, nil
}

func (g *StripeGateway) observe(operation string, start time.Time) {
	g.metrics.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}
