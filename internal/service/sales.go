package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"posledger/internal/domain"
	"posledger/internal/store"
)

type SalesLedger struct {
	repo   store.Repository
	logger *zap.Logger
	group  singleflight.Group

	// generation advances after every committed sale.
	generation atomic.Uint64
}

func NewSalesLedger(repo store.Repository, logger *zap.Logger) *SalesLedger {
	return &SalesLedger{repo: repo, logger: logger.Named("sales")}
}

// Append records a sale inside the caller's transaction after checking that
// every line total and the sale total add up.
func (l *SalesLedger) Append(ctx context.Context, tx store.Tx, sale domain.Sale) (int64, error) {
	if strings.TrimSpace(sale.InvoiceNo) == "" {
		return 0, store.Invalid("invoice number is required")
	}
	if err := verifyTotals(sale); err != nil {
		return 0, err
	}
	return tx.AppendSale(ctx, sale)
}

func verifyTotals(sale domain.Sale) error {
	if len(sale.LineItems) == 0 {
		return store.Invalid("sale has no line items")
	}
	sum := decimal.Zero
	for i, line := range sale.LineItems {
		if !line.Quantity.IsPositive() {
			return store.Invalid("line %d: quantity must be positive", i+1)
		}
		if want := line.PricePerUnit.Mul(line.Quantity); !want.Equal(line.LineTotal) {
			return fmt.Errorf("%w: line %d total %s, expected %s", store.ErrTotalMismatch, i+1, line.LineTotal, want)
		}
		sum = sum.Add(line.LineTotal)
	}
	if !sum.Equal(sale.TotalPrice) {
		return fmt.Errorf("%w: total %s, lines add up to %s", store.ErrTotalMismatch, sale.TotalPrice, sum)
	}
	return nil
}

func (l *SalesLedger) GetByInvoice(ctx context.Context, invoiceNo string) (domain.Sale, error) {
	invoiceNo = strings.TrimSpace(invoiceNo)
	if invoiceNo == "" {
		return domain.Sale{}, store.Invalid("invoice number is required")
	}
	sale, err := l.repo.GetSaleByInvoice(ctx, invoiceNo)
	if err != nil {
		return domain.Sale{}, store.Storage("get sale", err)
	}
	return sale, nil
}

// ListAll returns sales newest first. A limit of zero or less returns all.
func (l *SalesLedger) ListAll(ctx context.Context, limit int) ([]domain.Sale, error) {
	sales, err := l.repo.ListSales(ctx, limit)
	if err != nil {
		return nil, store.Storage("list sales", err)
	}
	return sales, nil
}

// committed marks that a sale transaction has finished, so totals reads
// started earlier are no longer shared with new callers.
func (l *SalesLedger) committed() {
	l.generation.Add(1)
}

// AggregateTotals sums quantities and revenue over every recorded sale.
// Concurrent callers share one storage read, but only with callers that saw
// the same committed sales; a caller never gets totals missing a sale that
// completed before it asked.
func (l *SalesLedger) AggregateTotals(ctx context.Context) (domain.SaleTotals, error) {
	key := "totals:" + strconv.FormatUint(l.generation.Load(), 10)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.repo.AggregateTotals(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return domain.SaleTotals{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.SaleTotals{}, store.Storage("aggregate totals", res.Err)
		}
		return res.Val.(domain.SaleTotals), nil
	}
}
