package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/models"
)

const orderColumns = `id, user_id, status, total_amount, shipping_address, payment_intent_id, paid_at, created_at, updated_at, version`

func scanOrder(row scanner) (models.Order, error) {
	var order models.Order
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Status,
		&order.TotalAmount,
		&order.ShippingAddress,
		&order.PaymentIntentID,
		&order.PaidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	return order, err
}

// InsertOrder writes order and its items inside tx and fills in the
// generated ids and timestamps.
func InsertOrder(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	if len(order.Items) == 0 {
		return errors.New("no items in order")
	}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, status, total_amount, shipping_address, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		order.UserID, order.Status, order.TotalAmount, order.ShippingAddress).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID

		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 RETURNING id, created_at`,
			order.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal).
			Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}

	return nil
}

func GetOrder(ctx context.Context, db DBTX, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := ListOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

// GetOrderForUpdate re-reads the order row under a row lock held until tx ends.
// Items are not loaded.
func GetOrderForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	order, err := scanOrder(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	return &order, nil
}

func GetOrderByPaymentIntent(ctx context.Context, db DBTX, paymentIntentID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_intent_id = $1`

	order, err := scanOrder(db.QueryRowContext(ctx, query, paymentIntentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by payment intent: %w", err)
	}

	return &order, nil
}

// ListOrderItems reads the items of an order with the product name as it is now.
func ListOrderItems(ctx context.Context, db DBTX, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT oi.id, oi.order_id, oi.product_id, COALESCE(p.name, ''), oi.quantity,
		        oi.unit_price, oi.subtotal, oi.created_at
		 FROM order_items oi
		 LEFT JOIN products p ON p.id = oi.product_id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ListOrderSummaries returns every order of userID, newest first.
func ListOrderSummaries(ctx context.Context, db DBTX, userID string) ([]models.OrderSummary, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT o.id, o.status, o.total_amount, o.created_at, COUNT(oi.id)
		 FROM orders o
		 LEFT JOIN order_items oi ON oi.order_id = o.id
		 WHERE o.user_id = $1
		 GROUP BY o.id
		 ORDER BY o.created_at DESC, o.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	summaries := []models.OrderSummary{}
	for rows.Next() {
		var s models.OrderSummary
		if err := rows.Scan(&s.ID, &s.Status, &s.TotalAmount, &s.CreatedAt, &s.ItemCount); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return summaries, nil
}

// UpdateOrderStatus writes status, and paidAt when non-nil, guarded by the
// version read under lock.
func UpdateOrderStatus(ctx context.Context, tx *sql.Tx, id int64, status models.OrderStatus, paidAt *time.Time, version int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1,
		     paid_at = COALESCE($2, paid_at),
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $3 AND version = $4`,
		status, paidAt, id, version)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOrderStatusChanged
	}

	return nil
}

// AttachPaymentIntent stores the gateway reference on a still-pending order.
func AttachPaymentIntent(ctx context.Context, tx *sql.Tx, id int64, paymentIntentID string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET payment_intent_id = $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		paymentIntentID, id, models.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("attach payment intent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOrderStatusChanged
	}

	return nil
}
