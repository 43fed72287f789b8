package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testIssuer = "checkout-tests"
)

type fakeCarts struct {
	get        func(ctx context.Context, userID string) (*models.CartView, error)
	addItem    func(ctx context.Context, userID string, productID int64, quantity int) (*models.CartView, error)
	updateItem func(ctx context.Context, userID string, itemID int64, quantity int) (*models.CartView, error)
	removeItem func(ctx context.Context, userID string, itemID int64) (*models.CartView, error)
	clear      func(ctx context.Context, userID string) (*models.CartView, error)
}

func (f *fakeCarts) Get(ctx context.Context, userID string) (*models.CartView, error) {
	return f.get(ctx, userID)
}

func (f *fakeCarts) AddItem(ctx context.Context, userID string, productID int64, quantity int) (*models.CartView, error) {
	return f.addItem(ctx, userID, productID, quantity)
}

func (f *fakeCarts) UpdateItem(ctx context.Context, userID string, itemID int64, quantity int) (*models.CartView, error) {
	return f.updateItem(ctx, userID, itemID, quantity)
}

func (f *fakeCarts) RemoveItem(ctx context.Context, userID string, itemID int64) (*models.CartView, error) {
	return f.removeItem(ctx, userID, itemID)
}

func (f *fakeCarts) Clear(ctx context.Context, userID string) (*models.CartView, error) {
	return f.clear(ctx, userID)
}

type fakeOrders struct {
	create       func(ctx context.Context, userID, shippingAddress string) (*models.Order, error)
	getByID      func(ctx context.Context, orderID int64, userID string) (*models.Order, error)
	list         func(ctx context.Context, userID string) ([]models.OrderSummary, error)
	updateStatus func(ctx context.Context, orderID int64, status models.OrderStatus, userID string) (*models.Order, error)
}

func (f *fakeOrders) CreateFromCart(ctx context.Context, userID, shippingAddress string) (*models.Order, error) {
	return f.create(ctx, userID, shippingAddress)
}

func (f *fakeOrders) GetByID(ctx context.Context, orderID int64, userID string) (*models.Order, error) {
	return f.getByID(ctx, orderID, userID)
}

func (f *fakeOrders) GetUserOrders(ctx context.Context, userID string) ([]models.OrderSummary, error) {
	return f.list(ctx, userID)
}

func (f *fakeOrders) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus, userID string) (*models.Order, error) {
	return f.updateStatus(ctx, orderID, status, userID)
}

type fakePayments struct {
	createIntent func(ctx context.Context, orderID int64, userID string) (*models.PaymentIntent, error)
	confirm      func(ctx context.Context, paymentIntentID, userID string) (*models.Order, error)
	status       func(ctx context.Context, paymentIntentID, userID string) (*models.PaymentStatus, error)
	webhook      func(ctx context.Context, payload []byte, signature string) error
}

func (f *fakePayments) CreatePaymentIntent(ctx context.Context, orderID int64, userID string) (*models.PaymentIntent, error) {
	return f.createIntent(ctx, orderID, userID)
}

func (f *fakePayments) ConfirmPayment(ctx context.Context, paymentIntentID, userID string) (*models.Order, error) {
	return f.confirm(ctx, paymentIntentID, userID)
}

func (f *fakePayments) GetPaymentStatus(ctx context.Context, paymentIntentID, userID string) (*models.PaymentStatus, error) {
	return f.status(ctx, paymentIntentID, userID)
}

func (f *fakePayments) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return f.webhook(ctx, payload, signature)
}

type fakeCatalog struct {
	list func(ctx context.Context, page, pageSize int) (*store.Page[models.Product], error)
	get  func(ctx context.Context, id int64) (*models.Product, error)
}

func (f *fakeCatalog) ListProducts(ctx context.Context, page, pageSize int) (*store.Page[models.Product], error) {
	return f.list(ctx, page, pageSize)
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return f.get(ctx, id)
}

type testServer struct {
	carts    *fakeCarts
	orders   *fakeOrders
	payments *fakePayments
	catalog  *fakeCatalog
	metrics  *metrics.Metrics
	handler  http.Handler
}

func newTestServer() *testServer {
	ts := &testServer{
		carts:    &fakeCarts{},
		orders:   &fakeOrders{},
		payments: &fakePayments{},
		catalog:  &fakeCatalog{},
		metrics:  metrics.New(nil),
	}
	ts.handler = NewRouter(Deps{
		Carts:    ts.carts,
		Orders:   ts.orders,
		Payments: ts.payments,
		Catalog:  ts.catalog,
		Auth:     NewAuthenticator(testSecret, testIssuer),
		Metrics:  ts.metrics,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID, testSecret, time.Hour))
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// doAs is do with a token carrying role.
func (ts *testServer) doAs(t *testing.T, method, path, body, userID, role string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signRoleToken(t, userID, role))

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, subject, secret string, ttl time.Duration) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func signRoleToken(t *testing.T, subject, role string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newRecorder(ts *testServer, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func bytesReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
