// Package cache keeps a short-lived copy of each user's stored cart rows.
// Prices are never cached; they are always read from the catalog.
package cache

import (
	"context"
	"errors"

	"github.com/safar/go-checkout-store/internal/models"
)

type CartCache interface {
	Get(ctx context.Context, userID string) (*models.Cart, error)
	// Set stores cart unless the cache already holds a newer version of it.
	Set(ctx context.Context, userID string, cart *models.Cart) error
	Delete(ctx context.Context, userID string) error
}

var ErrCacheMiss = errors.New("cache miss")

// Nop is used when no Redis is configured. Every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) (*models.Cart, error) { return nil, ErrCacheMiss }
func (Nop) Set(context.Context, string, *models.Cart) error   { return nil }
func (Nop) Delete(context.Context, string) error              { return nil }
