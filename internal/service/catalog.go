package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/store"
	"posledger/internal/xid"
)

type CatalogStore struct {
	repo    store.Repository
	ids     *xid.Generator
	retries int
	logger  *zap.Logger
}

func NewCatalogStore(repo store.Repository, ids *xid.Generator, retries int, logger *zap.Logger) *CatalogStore {
	return &CatalogStore{repo: repo, ids: ids, retries: retries, logger: logger.Named("catalog")}
}

// Upsert writes a product and its stock row together. Without a barcode id a
// fresh one is minted and inserted; with one, the existing product (if any) is
// replaced, including its stock amount.
func (c *CatalogStore) Upsert(ctx context.Context, req domain.ProductUpsertRequest) (string, error) {
	req, err := normalizeUpsert(req)
	if err != nil {
		return "", err
	}

	if req.BarcodeID != "" {
		err := c.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return c.write(ctx, tx, req, req.BarcodeID, tx.UpsertProduct)
		})
		if err != nil {
			return "", store.Storage("upsert product", err)
		}
		c.logger.Info("product upserted", zap.String("barcode_id", req.BarcodeID), actorField(ctx))
		return req.BarcodeID, nil
	}

	for attempt := 1; attempt <= c.retries; attempt++ {
		barcodeID := c.ids.NewBarcodeID()
		err := c.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return c.write(ctx, tx, req, barcodeID, tx.InsertProduct)
		})
		if errors.Is(err, store.ErrDuplicateBarcode) {
			c.logger.Warn("barcode id collision, retrying", zap.String("barcode_id", barcodeID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return "", store.Storage("insert product", err)
		}
		c.logger.Info("product created", zap.String("barcode_id", barcodeID), actorField(ctx))
		return barcodeID, nil
	}
	return "", fmt.Errorf("%w: no free barcode id after %d attempts", store.ErrIdentifierExhausted, c.retries)
}

func (c *CatalogStore) write(
	ctx context.Context,
	tx store.Tx,
	req domain.ProductUpsertRequest,
	barcodeID string,
	put func(context.Context, domain.Product, domain.StockUnit) error,
) error {
	category, err := tx.ResolveCategory(ctx, req.Category)
	if err != nil {
		return err
	}
	product := domain.Product{
		BarcodeID:    barcodeID,
		Name:         req.Name,
		Company:      req.Company,
		CategoryID:   category.ID,
		PurchaseRate: req.PurchaseRate.Decimal,
		SaleRate:     req.SaleRate.Decimal,
	}
	stock := domain.StockUnit{
		BarcodeID: barcodeID,
		UnitType:  category.UnitType,
		Amount:    req.Amount.Decimal,
	}
	return put(ctx, product, stock)
}

// Delete removes a product and its stock row. Deleting an unknown barcode is
// not an error.
func (c *CatalogStore) Delete(ctx context.Context, barcodeID string) error {
	barcodeID = strings.TrimSpace(barcodeID)
	if barcodeID == "" {
		return store.Invalid("barcode id is required")
	}

	var deleted bool
	err := c.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteProduct(ctx, barcodeID)
		return err
	})
	if err != nil {
		return store.Storage("delete product", err)
	}
	if deleted {
		c.logger.Info("product deleted", zap.String("barcode_id", barcodeID), actorField(ctx))
	}
	return nil
}

func (c *CatalogStore) Get(ctx context.Context, barcodeID string) (domain.ProductStock, error) {
	product, err := c.repo.GetProduct(ctx, strings.TrimSpace(barcodeID))
	if err != nil {
		return domain.ProductStock{}, store.Storage("get product", err)
	}
	return product, nil
}

func (c *CatalogStore) List(ctx context.Context) ([]domain.ProductStock, error) {
	products, err := c.repo.ListProducts(ctx)
	if err != nil {
		return nil, store.Storage("list products", err)
	}
	return products, nil
}

func (c *CatalogStore) Categories(ctx context.Context) ([]domain.Category, error) {
	categories, err := c.repo.ListCategories(ctx)
	if err != nil {
		return nil, store.Storage("list categories", err)
	}
	return categories, nil
}

func normalizeUpsert(req domain.ProductUpsertRequest) (domain.ProductUpsertRequest, error) {
	req.BarcodeID = strings.TrimSpace(req.BarcodeID)
	req.Name = strings.TrimSpace(req.Name)
	req.Company = strings.TrimSpace(req.Company)
	req.Category.Name = strings.TrimSpace(req.Category.Name)

	if strings.ContainsAny(req.BarcodeID, " \t\r\n") {
		return req, store.Invalid("barcode id must not contain whitespace")
	}
	if req.Name == "" {
		return req, store.Invalid("name is required")
	}
	if req.Category.ID < 0 {
		return req, store.Invalid("category id must be positive")
	}
	if req.Category.IsZero() {
		req.Category.ID = domain.CategoryQuantityID
	}
	for _, field := range []struct {
		name  string
		value decimal.NullDecimal
	}{
		{"purchase_rate", req.PurchaseRate},
		{"sale_rate", req.SaleRate},
		{"amount", req.Amount},
	} {
		if !field.value.Valid {
			return req, store.Invalid("%s is required", field.name)
		}
		if field.value.Decimal.IsNegative() {
			return req, store.Invalid("%s must not be negative", field.name)
		}
	}
	return req, nil
}
