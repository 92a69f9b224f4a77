package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/lock"
	"posledger/internal/store"
)

type StockLedger struct {
	repo   store.Repository
	locker lock.Locker
	logger *zap.Logger
}

func NewStockLedger(repo store.Repository, locker lock.Locker, logger *zap.Logger) *StockLedger {
	return &StockLedger{repo: repo, locker: locker, logger: logger.Named("stock")}
}

// Adjust adds delta (negative to take stock out) in its own transaction.
func (l *StockLedger) Adjust(ctx context.Context, barcodeID string, delta decimal.Decimal) (decimal.Decimal, error) {
	barcodeID = strings.TrimSpace(barcodeID)
	if barcodeID == "" {
		return decimal.Zero, store.Invalid("barcode id is required")
	}

	release, err := l.locker.Acquire(ctx, []string{barcodeID})
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	var amount decimal.Decimal
	err = l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		amount, err = l.apply(ctx, tx, barcodeID, delta)
		return err
	})
	if err != nil {
		return decimal.Zero, store.Storage("adjust stock", err)
	}
	l.logger.Info("stock adjusted",
		zap.String("barcode_id", barcodeID),
		zap.Stringer("delta", delta),
		zap.Stringer("amount", amount),
		actorField(ctx),
	)
	return amount, nil
}

// apply runs inside a caller's transaction; the sale path uses it so that
// stock moves with the sale or not at all.
func (l *StockLedger) apply(ctx context.Context, tx store.Tx, barcodeID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return tx.AdjustStock(ctx, barcodeID, delta)
}
