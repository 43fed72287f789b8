// Package orders turns carts into priced orders and owns the order status
// state machine.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/logging"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const MaxShippingAddressLength = 500

// CartInvalidator is told when a user's cart was emptied by a checkout.
type CartInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

type Service struct {
	db      *sql.DB
	carts   CartInvalidator
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(db *sql.DB, carts CartInvalidator, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		db:      db,
		carts:   carts,
		metrics: m,
		now:     time.Now,
	}
}

// CreateFromCart prices the user's cart at current catalog prices, stores the
// order, takes the ordered units out of stock and empties the cart, all in
// one transaction. Products are locked in id order for the whole transaction,
// so two checkouts racing for the last unit cannot both succeed.
func (s *Service) CreateFromCart(ctx context.Context, userID, shippingAddress string) (*models.Order, error) {
	logger := logging.FromContext(ctx)

	address := strings.TrimSpace(shippingAddress)
	if address == "" {
		return nil, apperr.Validation("shipping address is required")
	}
	if utf8.RuneCountInString(address) > MaxShippingAddressLength {
		return nil, apperr.Validation("shipping address must be at most %d characters", MaxShippingAddressLength)
	}

	var order *models.Order

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		cart, err := store.GetCartByUser(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, database.ErrCartNotFound) {
				return apperr.Validation("cart is empty")
			}
			return err
		}
		if len(cart.Items) == 0 {
			return apperr.Validation("cart is empty")
		}

		ids := lo.Map(cart.Items, func(item models.CartItem, _ int) int64 { return item.ProductID })

		products, err := store.LockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}

		o := &models.Order{
			UserID:          userID,
			Status:          models.OrderStatusPending,
			ShippingAddress: address,
			TotalAmount:     decimal.Zero,
			Items:           make([]models.OrderItem, 0, len(cart.Items)),
		}

		for _, item := range cart.Items {
			product, ok := products[item.ProductID]
			if !ok {
				return apperr.NotFound("product %d not found", item.ProductID)
			}
			if product.StockQuantity < item.Quantity {
				return apperr.InsufficientStock(product.ID, product.StockQuantity, item.Quantity)
			}

			subtotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			o.Items = append(o.Items, models.OrderItem{
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    item.Quantity,
				UnitPrice:   product.Price,
				Subtotal:    subtotal,
			})
			o.TotalAmount = o.TotalAmount.Add(subtotal)
		}

		if err := store.InsertOrder(ctx, tx, o); err != nil {
			return err
		}

		for _, item := range o.Items {
			if err := store.DecrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				if errors.Is(err, database.ErrInsufficientStock) {
					p := products[item.ProductID]
					return apperr.InsufficientStock(p.ID, p.StockQuantity, item.Quantity)
				}
				return err
			}
		}

		if err := store.ClearCart(ctx, tx, cart.ID); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		s.metrics.OrderCreationFailures.WithLabelValues(failureReason(err)).Inc()
		if apperr.KindOf(err) == apperr.KindInternal {
			logger.Error("create order failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}

	if s.carts != nil {
		s.carts.Invalidate(ctx, userID)
	}
	s.metrics.OrdersCreated.Inc()

	logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
		zap.Int("items", len(order.Items)))

	return order, nil
}

// GetByID returns the order with its items. A missing order reports NotFound
// before ownership is looked at.
func (s *Service) GetByID(ctx context.Context, orderID int64, userID string) (*models.Order, error) {
	order, err := store.GetOrder(ctx, s.db, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.NotFound("order %d not found", orderID)
		}
		return nil, err
	}

	if order.UserID != userID {
		return nil, apperr.Forbidden("order %d belongs to another user", orderID)
	}

	return order, nil
}

func (s *Service) GetUserOrders(ctx context.Context, userID string) ([]models.OrderSummary, error) {
	return store.ListOrderSummaries(ctx, s.db, userID)
}

// UpdateStatus moves the order to status if the state machine allows it.
// Asking for the status the order already has succeeds without writing.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus, userID string) (*models.Order, error) {
	var from models.OrderStatus

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, database.ErrOrderNotFound) {
				return apperr.NotFound("order %d not found", orderID)
			}
			return err
		}

		if order.UserID != userID {
			return apperr.Forbidden("order %d belongs to another user", orderID)
		}

		from = order.Status
		return s.transition(ctx, tx, order, status)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, orderID, from, status)

	return s.GetByID(ctx, orderID, userID)
}

// MarkPaid moves a pending order to Processing and stamps paidAt. It reports
// whether this call made the change; an order that is already paid is left
// alone and reports false with no error. A cancelled order cannot be paid.
func (s *Service) MarkPaid(ctx context.Context, orderID int64) (bool, error) {
	transitioned := false

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		transitioned = false

		order, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, database.ErrOrderNotFound) {
				return apperr.NotFound("order %d not found", orderID)
			}
			return err
		}

		switch {
		case order.Status == models.OrderStatusPending:
			transitioned = true
			return s.transition(ctx, tx, order, models.OrderStatusProcessing)
		case order.Status.IsPaid():
			return nil
		default:
			return apperr.Validation("order %d is %s and cannot be paid", orderID, order.Status)
		}
	})
	if err != nil {
		return false, err
	}

	if transitioned {
		s.recordTransition(ctx, orderID, models.OrderStatusPending, models.OrderStatusProcessing)
	}

	return transitioned, nil
}

// transition applies one state machine step to an order locked in tx.
// Entering Processing stamps paidAt; entering Cancelled puts the ordered
// units back in stock.
func (s *Service) transition(ctx context.Context, tx *sql.Tx, order *models.Order, to models.OrderStatus) error {
	if !order.Status.CanTransitionTo(to) {
		return apperr.Validation("cannot change order status from %s to %s", order.Status, to)
	}
	if order.Status == to {
		return nil
	}

	var paidAt *time.Time
	if to == models.OrderStatusProcessing {
		now := s.now().UTC()
		paidAt = &now
	}

	if err := store.UpdateOrderStatus(ctx, tx, order.ID, to, paidAt, order.Version); err != nil {
		return err
	}

	if to == models.OrderStatusCancelled {
		return restoreStock(ctx, tx, order.ID)
	}

	return nil
}

func restoreStock(ctx context.Context, tx *sql.Tx, orderID int64) error {
	items, err := store.ListOrderItems(ctx, tx, orderID)
	if err != nil {
		return err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	for _, item := range items {
		if err := store.RestoreStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) recordTransition(ctx context.Context, orderID int64, from, to models.OrderStatus) {
	if from == to {
		return
	}

	s.metrics.OrderTransitions.WithLabelValues(from.String(), to.String()).Inc()

	logging.FromContext(ctx).Info("order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func failureReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "validation"
	case apperr.KindNotFound:
		return "product_not_found"
	case apperr.KindInsufficientStock:
		return "insufficient_stock"
	default:
		return "internal"
	}
}
