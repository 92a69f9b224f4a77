package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/clock"
	"posledger/internal/domain"
	"posledger/internal/lock"
	"posledger/internal/store"
	"posledger/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorField(ctx context.Context) zap.Field {
	if actor, ok := ActorFromContext(ctx); ok {
		return zap.String("actor", actor.Username)
	}
	return zap.Skip()
}

type Config struct {
	InvoiceRetryLimit int
	BarcodeRetryLimit int
}

// Service is the surface the presentation layer talks to. It owns one of
// each ledger component, all sharing the same storage handle.
type Service struct {
	Catalog     *CatalogStore
	Stock       *StockLedger
	Sales       *SalesLedger
	Coordinator *Coordinator
}

func New(repo store.Repository, locker lock.Locker, clk clock.Clock, logger *zap.Logger, cfg Config) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if locker == nil {
		locker = lock.NewLocal(lock.Options{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InvoiceRetryLimit < 1 {
		cfg.InvoiceRetryLimit = 5
	}
	if cfg.BarcodeRetryLimit < 1 {
		cfg.BarcodeRetryLimit = 5
	}

	ids := xid.NewGenerator(clk)
	catalog := NewCatalogStore(repo, ids, cfg.BarcodeRetryLimit, logger)
	stock := NewStockLedger(repo, locker, logger)
	sales := NewSalesLedger(repo, logger)
	return &Service{
		Catalog:     catalog,
		Stock:       stock,
		Sales:       sales,
		Coordinator: NewCoordinator(repo, stock, sales, locker, ids, clk, cfg.InvoiceRetryLimit, logger),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	return s.Catalog.List(ctx)
}

func (s *Service) GetProduct(ctx context.Context, barcodeID string) (domain.ProductStock, error) {
	return s.Catalog.Get(ctx, barcodeID)
}

func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductUpsertRequest) (string, error) {
	return s.Catalog.Upsert(ctx, req)
}

func (s *Service) DeleteProduct(ctx context.Context, barcodeID string) error {
	return s.Catalog.Delete(ctx, barcodeID)
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.Catalog.Categories(ctx)
}

func (s *Service) AdjustStock(ctx context.Context, barcodeID string, delta decimal.Decimal) (domain.StockAdjustResult, error) {
	amount, err := s.Stock.Adjust(ctx, barcodeID, delta)
	if err != nil {
		return domain.StockAdjustResult{}, err
	}
	return domain.StockAdjustResult{BarcodeID: barcodeID, Amount: amount}, nil
}

func (s *Service) Sell(ctx context.Context, req domain.SellRequest) (domain.SellResult, error) {
	return s.Coordinator.Sell(ctx, req.Items, req.CustomerName)
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.Sales.ListAll(ctx, limit)
}

func (s *Service) GetSale(ctx context.Context, invoiceNo string) (domain.Sale, error) {
	return s.Sales.GetByInvoice(ctx, invoiceNo)
}

func (s *Service) AggregateTotals(ctx context.Context) (domain.SaleTotals, error) {
	return s.Sales.AggregateTotals(ctx)
}
