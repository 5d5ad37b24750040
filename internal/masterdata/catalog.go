package masterdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/width"
)

// ProductRepository is the persistence needed by Catalog.
type ProductRepository interface {
	ProductByBarcode(ctx context.Context, barcode string) (Product, error)
	Product(ctx context.Context, id int64) (Product, error)
}

// Catalog resolves scanned barcodes and product records.
type Catalog struct {
	repo   ProductRepository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewCatalog constructs Catalog. cache may be nil.
func NewCatalog(repo ProductRepository, cache *Cache, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{repo: repo, cache: cache, logger: logger}
}

// NormalizeBarcode folds full-width scanner output to ASCII and strips
// whitespace and control characters.
func NormalizeBarcode(raw string) string {
	folded := width.Fold.String(raw)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, folded)
}

// ResolveBarcode returns the active product for barcode or ErrNotFound.
func (c *Catalog) ResolveBarcode(ctx context.Context, barcode string) (Product, error) {
	code := NormalizeBarcode(barcode)
	if code == "" {
		return Product{}, fmt.Errorf("empty barcode: %w", ErrNotFound)
	}
	key, err := c.cache.BuildKey(ctx, "masterdata", "barcode", code)
	if err != nil {
		c.logger.Warn("barcode cache key", slog.Any("error", err))
		return c.repo.ProductByBarcode(ctx, code)
	}
	return c.load(ctx, key, func(ctx context.Context) (Product, error) {
		return c.repo.ProductByBarcode(ctx, code)
	})
}

// Product returns a product by id.
func (c *Catalog) Product(ctx context.Context, id int64) (Product, error) {
	key, err := c.cache.BuildKey(ctx, "masterdata", "product", strconv.FormatInt(id, 10))
	if err != nil {
		c.logger.Warn("product cache key", slog.Any("error", err))
		return c.repo.Product(ctx, id)
	}
	return c.load(ctx, key, func(ctx context.Context) (Product, error) {
		return c.repo.Product(ctx, id)
	})
}

// Invalidate drops every cached product after catalog changes.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.cache.Bump(ctx)
}

func (c *Catalog) load(ctx context.Context, key string, fetch func(context.Context) (Product, error)) (Product, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		var p Product
		err := c.cache.FetchJSON(ctx, key, &p, func(ctx context.Context) (any, error) {
			return fetch(ctx)
		})
		return p, err
	})
	if err != nil {
		return Product{}, err
	}
	return v.(Product), nil
}
