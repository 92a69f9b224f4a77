package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"posledger/internal/domain"
	"posledger/internal/lock"
	"posledger/internal/service"
	"posledger/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedProduct(t *testing.T, s *Store, barcodeID string, saleRate string, amount string) {
	t.Helper()
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_units WHERE barcode_id = $1`, barcodeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE barcode_id = $1`, barcodeID)
	})

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		category, err := tx.ResolveCategory(ctx, domain.CategoryRef{ID: domain.CategoryQuantityID})
		if err != nil {
			return err
		}
		return tx.InsertProduct(ctx, domain.Product{
			BarcodeID:    barcodeID,
			Name:         "Item " + barcodeID,
			Company:      "Integration",
			CategoryID:   category.ID,
			PurchaseRate: decimal.RequireFromString("1"),
			SaleRate:     decimal.RequireFromString(saleRate),
		}, domain.StockUnit{
			BarcodeID: barcodeID,
			UnitType:  category.UnitType,
			Amount:    decimal.RequireFromString(amount),
		})
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", barcodeID, err)
	}
}

func cleanupSale(t *testing.T, s *Store, invoiceNo string) {
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE invoice_no = $1)`, invoiceNo)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE invoice_no = $1`, invoiceNo)
	})
}

func TestAdjustStockRefusesNegativeAmount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	barcode := fmt.Sprintf("IT-ADJ-%d", time.Now().UnixNano())
	seedProduct(t, s, barcode, "5", "3")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, barcode, decimal.NewFromInt(-4))
		return err
	})
	var short *store.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if !short.Available.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected available 3, got %s", short.Available)
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, "IT-MISSING-"+barcode, decimal.NewFromInt(1))
		return err
	})
	if !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected unknown product, got %v", err)
	}

	product, err := s.GetProduct(ctx, barcode)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stock.Amount.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected stock 3 after refused adjust, got %s", product.Stock.Amount)
	}
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	barcode := fmt.Sprintf("IT-RB-%d", time.Now().UnixNano())
	seedProduct(t, s, barcode, "5", "10")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdjustStock(ctx, barcode, decimal.NewFromInt(-7)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	product, err := s.GetProduct(ctx, barcode)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stock.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after rollback, got %s", product.Stock.Amount)
	}
}

func TestAppendSaleRejectsDuplicateInvoice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	invoice := fmt.Sprintf("INV-IT-%d", time.Now().UnixNano())
	cleanupSale(t, s, invoice)

	sale := domain.Sale{
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		CustomerName: "Walk-in",
		InvoiceNo:    invoice,
		TotalPrice:   decimal.RequireFromString("7.5"),
		LineItems: []domain.LineItem{{
			BarcodeID:    "IT-LINE",
			Name:         "Line",
			Quantity:     decimal.RequireFromString("1.5"),
			PricePerUnit: decimal.NewFromInt(5),
			LineTotal:    decimal.RequireFromString("7.5"),
		}},
	}
	appendSale := func() error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.AppendSale(ctx, sale)
			return err
		})
	}
	if err := appendSale(); err != nil {
		t.Fatalf("append sale: %v", err)
	}
	if err := appendSale(); !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("expected duplicate invoice, got %v", err)
	}

	got, err := s.GetSaleByInvoice(ctx, invoice)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(got.LineItems) != 1 || !got.LineItems[0].Quantity.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected line items: %+v", got.LineItems)
	}
	if !got.Timestamp.Equal(sale.Timestamp) {
		t.Fatalf("expected timestamp %s, got %s", sale.Timestamp, got.Timestamp)
	}
}

func TestConcurrentSellNeverOversells(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	barcode := fmt.Sprintf("IT-RACE-%d", time.Now().UnixNano())
	seedProduct(t, s, barcode, "2", "10")

	svc := service.New(s, lock.NewLocal(lock.Options{}), nil, nil, service.Config{})

	var (
		mu       sync.Mutex
		invoices []string
		wg       sync.WaitGroup
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Sell(ctx, domain.SellRequest{
				Items: []domain.SellItem{{BarcodeID: barcode, Quantity: decimal.NewFromInt(1)}},
			})
			if err != nil {
				return
			}
			mu.Lock()
			invoices = append(invoices, res.InvoiceNo)
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, invoice := range invoices {
		cleanupSale(t, s, invoice)
	}

	if len(invoices) != 10 {
		t.Fatalf("expected 10 successful sales, got %d", len(invoices))
	}
	product, err := s.GetProduct(ctx, barcode)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stock.Amount.IsZero() {
		t.Fatalf("expected stock 0, got %s", product.Stock.Amount)
	}
}

func TestDeleteProductCascadesStockRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	barcode := fmt.Sprintf("IT-DEL-%d", time.Now().UnixNano())
	seedProduct(t, s, barcode, "5", "4")

	var deleted bool
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteProduct(ctx, barcode)
		return err
	})
	if err != nil || !deleted {
		t.Fatalf("delete product: deleted=%v err=%v", deleted, err)
	}

	var stockRows int
	if err := s.db.GetContext(ctx, &stockRows, `SELECT count(*) FROM stock_units WHERE barcode_id = $1`, barcode); err != nil {
		t.Fatalf("count stock rows: %v", err)
	}
	if stockRows != 0 {
		t.Fatalf("expected stock row to go with the product, found %d", stockRows)
	}
}

func TestDeleteRacingSellDoesNotDeadlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for round := range 20 {
		barcode := fmt.Sprintf("IT-DLK-%d-%d", time.Now().UnixNano(), round)
		seedProduct(t, s, barcode, "2", "5")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				if _, err := tx.GetProduct(ctx, barcode); err != nil {
					return err
				}
				_, err := tx.AdjustStock(ctx, barcode, decimal.NewFromInt(-1))
				return err
			})
		}()
		go func() {
			defer wg.Done()
			errs[1] = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.DeleteProduct(ctx, barcode)
				return err
			})
		}()
		wg.Wait()

		for _, err := range errs {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40P01" {
				t.Fatalf("round %d: deadlock between delete and sell: %v", round, err)
			}
		}
	}
}
