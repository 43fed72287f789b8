package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/models"
)

const webhookSignatureHeader = "Stripe-Signature"

type CartHandler struct {
	svc CartService
}

type addItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *CartHandler) Get(w http.ResponseWriter, r *http.Request) {
	cart, err := h.svc.Get(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.ProductID <= 0 {
		respondError(w, r, apperr.Validation("product_id must be positive"))
		return
	}

	cart, err := h.svc.AddItem(r.Context(), UserIDFromContext(r.Context()), req.ProductID, req.Quantity)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "itemID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req updateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	cart, err := h.svc.UpdateItem(r.Context(), UserIDFromContext(r.Context()), itemID, req.Quantity)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "itemID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	cart, err := h.svc.RemoveItem(r.Context(), UserIDFromContext(r.Context()), itemID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	cart, err := h.svc.Clear(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

type OrderHandler struct {
	svc OrderService
}

type createOrderRequest struct {
	ShippingAddress string `json:"shipping_address"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	order, err := h.svc.CreateFromCart(r.Context(), UserIDFromContext(r.Context()), req.ShippingAddress)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.GetUserOrders(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	order, err := h.svc.GetByID(r.Context(), orderID, UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	status, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		respondError(w, r, apperr.Validation("unknown order status %q", req.Status))
		return
	}

	// Processing is entered only through payment confirmation. Customers may
	// cancel; shipping and delivery belong to staff.
	caller := PrincipalFromContext(r.Context())
	switch {
	case status == models.OrderStatusProcessing:
		respondError(w, r, apperr.Forbidden("orders move to processing when payment is confirmed"))
		return
	case status != models.OrderStatusCancelled && !caller.IsStaff():
		respondError(w, r, apperr.Forbidden("only staff can set order status to %s", status))
		return
	}

	order, err := h.svc.UpdateStatus(r.Context(), orderID, status, caller.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

type PaymentHandler struct {
	svc PaymentService
}

type createIntentRequest struct {
	OrderID int64 `json:"order_id"`
}

type confirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.OrderID <= 0 {
		respondError(w, r, apperr.Validation("order_id must be positive"))
		return
	}

	intent, err := h.svc.CreatePaymentIntent(r.Context(), req.OrderID, UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, intent)
}

func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.PaymentIntentID == "" {
		respondError(w, r, apperr.Validation("payment_intent_id is required"))
		return
	}

	order, err := h.svc.ConfirmPayment(r.Context(), req.PaymentIntentID, UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetPaymentStatus(r.Context(), chi.URLParam(r, "intentID"), UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Webhook answers 200 with an empty body once the event is handled and a
// client error when the signature is missing or wrong.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, apperr.Validation("unreadable webhook body"))
		return
	}

	if err := h.svc.HandleWebhook(r.Context(), payload, r.Header.Get(webhookSignatureHeader)); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type ProductHandler struct {
	catalog Catalog
}

func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	result, err := h.catalog.ListProducts(r.Context(), page, pageSize)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	product, err := h.catalog.GetProduct(r.Context(), productID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}
