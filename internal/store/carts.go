package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/models"
)

// EnsureCart returns the user's cart, creating an empty one on first access.
func EnsureCart(ctx context.Context, db DBTX, userID string) (*models.Cart, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	return GetCartByUser(ctx, db, userID)
}

func GetCartByUser(ctx context.Context, db DBTX, userID string) (*models.Cart, error) {
	cart := &models.Cart{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at, version FROM carts WHERE user_id = $1`,
		userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt, &cart.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	items, err := listCartItems(ctx, db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items

	return cart, nil
}

func listCartItems(ctx context.Context, db DBTX, cartID int64) ([]models.CartItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, cart_id, product_id, quantity
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func GetCartItem(ctx context.Context, db DBTX, itemID int64) (*models.CartItem, error) {
	item := &models.CartItem{}

	err := db.QueryRowContext(ctx,
		`SELECT id, cart_id, product_id, quantity FROM cart_items WHERE id = $1`,
		itemID).Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartItemNotFound
		}
		return nil, fmt.Errorf("get cart item: %w", err)
	}

	return item, nil
}

// AddCartItem inserts a line for productID or adds quantity to the existing one.
func AddCartItem(ctx context.Context, db DBTX, cartID, productID int64, quantity int) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		cartID, productID, quantity)
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}

	return touchCart(ctx, db, cartID)
}

func SetCartItemQuantity(ctx context.Context, db DBTX, cartID, itemID int64, quantity int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE cart_items SET quantity = $1 WHERE id = $2 AND cart_id = $3`,
		quantity, itemID, cartID)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrCartItemNotFound
	}

	return touchCart(ctx, db, cartID)
}

// DeleteCartItem removes the item only if it belongs to cartID.
func DeleteCartItem(ctx context.Context, db DBTX, cartID, itemID int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`,
		itemID, cartID)
	if err != nil {
		return false, fmt.Errorf("delete cart item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	return true, touchCart(ctx, db, cartID)
}

func ClearCart(ctx context.Context, db DBTX, cartID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	return touchCart(ctx, db, cartID)
}

// touchCart bumps the cart version after its items changed.
func touchCart(ctx context.Context, db DBTX, cartID int64) error {
	if _, err := db.ExecContext(ctx, `UPDATE carts SET updated_at = NOW(), version = version + 1 WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}
