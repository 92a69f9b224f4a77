package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/clock"
	"posledger/internal/domain"
	"posledger/internal/lock"
	"posledger/internal/store"
	"posledger/internal/xid"
)

type SaleState string

const (
	StateValidating SaleState = "validating"
	StateCommitting SaleState = "committing"
	StateCompleted  SaleState = "completed"
	StateRejected   SaleState = "rejected"
)

// Coordinator turns a cart into a recorded sale. A sell either completes with
// the sale stored and every line's stock taken out, or is rejected with
// nothing written.
type Coordinator struct {
	repo    store.Repository
	stock   *StockLedger
	sales   *SalesLedger
	locker  lock.Locker
	ids     *xid.Generator
	clock   clock.Clock
	retries int
	logger  *zap.Logger
}

func NewCoordinator(
	repo store.Repository,
	stock *StockLedger,
	sales *SalesLedger,
	locker lock.Locker,
	ids *xid.Generator,
	clk clock.Clock,
	retries int,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		repo:    repo,
		stock:   stock,
		sales:   sales,
		locker:  locker,
		ids:     ids,
		clock:   clk,
		retries: retries,
		logger:  logger.Named("coordinator"),
	}
}

func (c *Coordinator) Sell(ctx context.Context, items []domain.SellItem, customerName string) (domain.SellResult, error) {
	logger := c.logger.With(zap.Int("lines", len(items)), actorField(ctx))
	transition(logger, StateValidating)

	items, err := normalizeCart(items)
	if err != nil {
		return c.reject(logger, err)
	}
	demand, barcodes := aggregateDemand(items)

	release, err := c.locker.Acquire(ctx, barcodes)
	if err != nil {
		return c.reject(logger, err)
	}
	defer release()

	if err := c.checkAvailability(ctx, demand, barcodes); err != nil {
		return c.reject(logger, err)
	}

	customerName = strings.TrimSpace(customerName)
	for attempt := 1; attempt <= c.retries; attempt++ {
		invoiceNo := c.ids.NewInvoiceNo()
		transition(logger, StateCommitting, zap.String("invoice_no", invoiceNo), zap.Int("attempt", attempt))

		result, err := c.commit(ctx, items, demand, barcodes, customerName, invoiceNo)
		if errors.Is(err, store.ErrDuplicateInvoice) {
			logger.Warn("invoice number collision, retrying", zap.String("invoice_no", invoiceNo))
			continue
		}
		if err != nil {
			return c.reject(logger, store.Storage("sell", err))
		}

		transition(logger, StateCompleted,
			zap.Int64("sale_id", result.SaleID),
			zap.String("invoice_no", result.InvoiceNo),
			zap.Stringer("total_price", result.TotalPrice),
		)
		return result, nil
	}
	return c.reject(logger, fmt.Errorf("%w: no free invoice number after %d attempts", store.ErrIdentifierExhausted, c.retries))
}

// checkAvailability is the read-only pass: every barcode must exist and hold
// at least the cart's total demand for it.
func (c *Coordinator) checkAvailability(ctx context.Context, demand map[string]decimal.Decimal, barcodes []string) error {
	for _, barcodeID := range barcodes {
		product, err := c.repo.GetProduct(ctx, barcodeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.UnknownProduct(barcodeID)
			}
			return store.Storage("check availability", err)
		}
		if product.Stock.Amount.LessThan(demand[barcodeID]) {
			return &store.InsufficientStockError{
				BarcodeID: barcodeID,
				Requested: demand[barcodeID],
				Available: product.Stock.Amount,
			}
		}
	}
	return nil
}

// commit prices the cart at current sale rates and writes the sale plus the
// stock decrements in one transaction. Stock is checked again inside it.
func (c *Coordinator) commit(
	ctx context.Context,
	items []domain.SellItem,
	demand map[string]decimal.Decimal,
	barcodes []string,
	customerName string,
	invoiceNo string,
) (domain.SellResult, error) {
	var result domain.SellResult
	err := c.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Rows are locked in sorted barcode order.
		products := make(map[string]domain.ProductStock, len(barcodes))
		for _, barcodeID := range slices.Sorted(slices.Values(barcodes)) {
			product, err := tx.GetProduct(ctx, barcodeID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return store.UnknownProduct(barcodeID)
				}
				return err
			}
			if product.Stock.Amount.LessThan(demand[barcodeID]) {
				return &store.InsufficientStockError{
					BarcodeID: barcodeID,
					Requested: demand[barcodeID],
					Available: product.Stock.Amount,
				}
			}
			products[barcodeID] = product
		}

		lines := make([]domain.LineItem, 0, len(items))
		total := decimal.Zero
		for _, item := range items {
			product := products[item.BarcodeID]
			lineTotal := product.SaleRate.Mul(item.Quantity)
			lines = append(lines, domain.LineItem{
				BarcodeID:    item.BarcodeID,
				Name:         product.Name,
				Quantity:     item.Quantity,
				PricePerUnit: product.SaleRate,
				LineTotal:    lineTotal,
			})
			total = total.Add(lineTotal)
		}

		saleID, err := c.sales.Append(ctx, tx, domain.Sale{
			Timestamp:    c.clock.Now().UTC(),
			LineItems:    lines,
			TotalPrice:   total,
			CustomerName: customerName,
			InvoiceNo:    invoiceNo,
		})
		if err != nil {
			return err
		}

		for _, line := range lines {
			if _, err := c.stock.apply(ctx, tx, line.BarcodeID, line.Quantity.Neg()); err != nil {
				return err
			}
		}

		result = domain.SellResult{SaleID: saleID, InvoiceNo: invoiceNo, TotalPrice: total}
		return nil
	})
	if err == nil {
		c.sales.committed()
	}
	return result, err
}

func (c *Coordinator) reject(logger *zap.Logger, err error) (domain.SellResult, error) {
	transition(logger, StateRejected, zap.Error(err))
	return domain.SellResult{}, err
}

func transition(logger *zap.Logger, state SaleState, fields ...zap.Field) {
	logger.Info("sale "+string(state), append([]zap.Field{zap.String("state", string(state))}, fields...)...)
}

func normalizeCart(items []domain.SellItem) ([]domain.SellItem, error) {
	if len(items) == 0 {
		return nil, store.Invalid("cart is empty")
	}
	normalized := make([]domain.SellItem, 0, len(items))
	for i, item := range items {
		item.BarcodeID = strings.TrimSpace(item.BarcodeID)
		if item.BarcodeID == "" {
			return nil, store.Invalid("line %d: barcode id is required", i+1)
		}
		if !item.Quantity.IsPositive() {
			return nil, store.Invalid("line %d: quantity must be positive", i+1)
		}
		normalized = append(normalized, item)
	}
	return normalized, nil
}

// aggregateDemand sums quantities per barcode and returns the barcodes in
// first-seen order.
func aggregateDemand(items []domain.SellItem) (map[string]decimal.Decimal, []string) {
	demand := make(map[string]decimal.Decimal, len(items))
	barcodes := make([]string, 0, len(items))
	for _, item := range items {
		current, seen := demand[item.BarcodeID]
		if !seen {
			barcodes = append(barcodes, item.BarcodeID)
			current = decimal.Zero
		}
		demand[item.BarcodeID] = current.Add(item.Quantity)
	}
	return demand, barcodes
}
