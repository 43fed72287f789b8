// Package api is the HTTP surface of the checkout service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type CartService interface {
	Get(ctx context.Context, userID string) (*models.CartView, error)
	AddItem(ctx context.Context, userID string, productID int64, quantity int) (*models.CartView, error)
	UpdateItem(ctx context.Context, userID string, itemID int64, quantity int) (*models.CartView, error)
	RemoveItem(ctx context.Context, userID string, itemID int64) (*models.CartView, error)
	Clear(ctx context.Context, userID string) (*models.CartView, error)
}

type OrderService interface {
	CreateFromCart(ctx context.Context, userID, shippingAddress string) (*models.Order, error)
	GetByID(ctx context.Context, orderID int64, userID string) (*models.Order, error)
	GetUserOrders(ctx context.Context, userID string) ([]models.OrderSummary, error)
	UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus, userID string) (*models.Order, error)
}

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, orderID int64, userID string) (*models.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, paymentIntentID, userID string) (*models.Order, error)
	GetPaymentStatus(ctx context.Context, paymentIntentID, userID string) (*models.PaymentStatus, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type Catalog interface {
	ListProducts(ctx context.Context, page, pageSize int) (*store.Page[models.Product], error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

type Deps struct {
	Carts          CartService
	Orders         OrderService
	Payments       PaymentService
	Catalog        Catalog
	Auth           *Authenticator
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}

	carts := &CartHandler{svc: d.Carts}
	orders := &OrderHandler{svc: d.Orders}
	payments := &PaymentHandler{svc: d.Payments}
	products := &ProductHandler{catalog: d.Catalog}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(Instrument(d.Metrics))
	r.Use(middleware.Timeout(d.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments/webhook", payments.Webhook)

		r.Get("/products", products.List)
		r.Get("/products/{productID}", products.Get)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", carts.Get)
				r.Delete("/", carts.Clear)
				r.Post("/items", carts.AddItem)
				r.Put("/items/{itemID}", carts.UpdateItem)
				r.Delete("/items/{itemID}", carts.RemoveItem)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", orders.Create)
				r.Get("/", orders.List)
				r.Get("/{orderID}", orders.Get)
				r.Patch("/{orderID}/status", orders.UpdateStatus)
			})

			r.Route("/payments", func(r chi.Router) {
				r.Post("/intents", payments.CreateIntent)
				r.Post("/confirm", payments.Confirm)
				r.Get("/{intentID}/status", payments.Status)
			})
		})
	})

	return r
}
