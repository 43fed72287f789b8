// Package cart keeps one live-priced cart per user.
package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/cache"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/logging"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MinQuantity = 1
	MaxQuantity = 10
)

type Service struct {
	db    *sql.DB
	cache cache.CartCache
}

func NewService(db *sql.DB, c cache.CartCache) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{db: db, cache: c}
}

// Get returns the user's cart, creating an empty one on first access.
func (s *Service) Get(ctx context.Context, userID string) (*models.CartView, error) {
	cart, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, cart)
}

// AddItem puts quantity units of productID in the cart, merging with an
// existing line for the same product. Only the added quantity is checked
// against stock; the combined quantity is checked at checkout.
func (s *Service) AddItem(ctx context.Context, userID string, productID int64, quantity int) (*models.CartView, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	product, err := store.GetProduct(ctx, s.db, productID)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return nil, apperr.NotFound("product %d not found", productID)
		}
		return nil, err
	}

	if product.StockQuantity < quantity {
		return nil, apperr.InsufficientStock(productID, product.StockQuantity, quantity)
	}

	cart, err := store.EnsureCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	if err := store.AddCartItem(ctx, s.db, cart.ID, productID, quantity); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Debug("cart item added",
		zap.Int64("cart_id", cart.ID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity))

	return s.refresh(ctx, userID)
}

// UpdateItem sets the quantity of one of the user's cart lines. The item must
// belong to the user's cart; an item id from another cart reports NotFound.
func (s *Service) UpdateItem(ctx context.Context, userID string, itemID int64, quantity int) (*models.CartView, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	cart, err := store.GetCartByUser(ctx, s.db, userID)
	if err != nil {
		if errors.Is(err, database.ErrCartNotFound) {
			return nil, apperr.NotFound("cart not found")
		}
		return nil, err
	}

	item, err := store.GetCartItem(ctx, s.db, itemID)
	if err != nil {
		if errors.Is(err, database.ErrCartItemNotFound) {
			return nil, apperr.NotFound("cart item %d not found", itemID)
		}
		return nil, err
	}
	if item.CartID != cart.ID {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}

	product, err := store.GetProduct(ctx, s.db, item.ProductID)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return nil, apperr.NotFound("product %d not found", item.ProductID)
		}
		return nil, err
	}

	if product.StockQuantity < quantity {
		return nil, apperr.InsufficientStock(product.ID, product.StockQuantity, quantity)
	}

	if err := store.SetCartItemQuantity(ctx, s.db, cart.ID, itemID, quantity); err != nil {
		if errors.Is(err, database.ErrCartItemNotFound) {
			return nil, apperr.NotFound("cart item %d not found", itemID)
		}
		return nil, err
	}

	return s.refresh(ctx, userID)
}

// RemoveItem deletes a line from the user's cart. Removing an item that is
// already gone, or that is not in this user's cart, changes nothing.
func (s *Service) RemoveItem(ctx context.Context, userID string, itemID int64) (*models.CartView, error) {
	cart, err := store.EnsureCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	removed, err := store.DeleteCartItem(ctx, s.db, cart.ID, itemID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return s.view(ctx, cart)
	}

	return s.refresh(ctx, userID)
}

// Clear empties the user's cart, creating it if it does not exist yet.
func (s *Service) Clear(ctx context.Context, userID string) (*models.CartView, error) {
	cart, err := store.EnsureCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	if len(cart.Items) > 0 {
		if err := store.ClearCart(ctx, s.db, cart.ID); err != nil {
			return nil, err
		}
	}

	return s.refresh(ctx, userID)
}

// Invalidate replaces the cached copy of the user's cart with the stored
// one. It is called after the cart changed outside this service.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	cart, err := store.GetCartByUser(ctx, s.db, userID)
	if err != nil {
		logging.FromContext(ctx).Warn("cart reload failed",
			zap.String("user_id", userID), zap.Error(err))
		s.drop(ctx, userID)
		return
	}
	s.publish(ctx, cart)
}

// refresh answers a write from the store, never from the cache, and
// publishes the new version.
func (s *Service) refresh(ctx context.Context, userID string) (*models.CartView, error) {
	cart, err := store.EnsureCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, cart)
	return s.view(ctx, cart)
}

// publish caches cart. The cache keeps whichever version is newest, so a
// slow reader cannot put back a cart that a later write replaced.
func (s *Service) publish(ctx context.Context, cart *models.Cart) {
	if err := s.cache.Set(ctx, cart.UserID, cart); err != nil {
		logging.FromContext(ctx).Warn("cart cache write failed",
			zap.String("user_id", cart.UserID), zap.Error(err))
		s.drop(ctx, cart.UserID)
	}
}

func (s *Service) drop(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, userID); err != nil {
		logging.FromContext(ctx).Warn("cart cache delete failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) load(ctx context.Context, userID string) (*models.Cart, error) {
	logger := logging.FromContext(ctx)

	cart, err := s.cache.Get(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn("cart cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	cart, err = store.EnsureCart(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, userID, cart); err != nil {
		logger.Warn("cart cache write failed", zap.String("user_id", userID), zap.Error(err))
	}

	return cart, nil
}

// view prices the stored cart lines at current catalog prices.
func (s *Service) view(ctx context.Context, cart *models.Cart) (*models.CartView, error) {
	ids := lo.Map(cart.Items, func(item models.CartItem, _ int) int64 { return item.ProductID })

	products, err := store.GetProductsByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, fmt.Errorf("price cart: %w", err)
	}

	v := &models.CartView{
		ID:         cart.ID,
		UserID:     cart.UserID,
		Items:      make([]models.CartItemView, 0, len(cart.Items)),
		TotalPrice: decimal.Zero,
	}

	for _, item := range cart.Items {
		product, ok := products[item.ProductID]
		if !ok {
			logging.FromContext(ctx).Warn("cart item references missing product",
				zap.Int64("cart_item_id", item.ID), zap.Int64("product_id", item.ProductID))
			continue
		}

		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		v.Items = append(v.Items, models.CartItemView{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			TotalPrice:  lineTotal,
		})
		v.TotalItems += item.Quantity
		v.TotalPrice = v.TotalPrice.Add(lineTotal)
	}

	return v, nil
}

func validateQuantity(quantity int) error {
	if quantity < MinQuantity || quantity > MaxQuantity {
		return apperr.Validation("quantity must be between %d and %d", MinQuantity, MaxQuantity)
	}
	return nil
}
