package api

import (
	"context"
	"errors"

	"github.com/safar/go-checkout-store/internal/apperr"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/models"
	"github.com/safar/go-checkout-store/internal/store"
)

type dbCatalog struct {
	db store.DBTX
}

// NewCatalog serves the read-only product endpoints straight from the store.
func NewCatalog(db store.DBTX) Catalog {
	return &dbCatalog{db: db}
}

func (c *dbCatalog) ListProducts(ctx context.Context, page, pageSize int) (*store.Page[models.Product], error) {
	return store.ListProducts(ctx, c.db, page, pageSize)
}

func (c *dbCatalog) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	product, err := store.GetProduct(ctx, c.db, id)
	if errors.Is(err, database.ErrProductNotFound) {
		return nil, apperr.NotFound("product %d not found", id)
	}
	return product, err
}
