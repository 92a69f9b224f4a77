package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"posledger/internal/domain"
	"posledger/internal/store"
)

type Store struct {
	mu             sync.RWMutex
	categories     map[int64]domain.Category
	categoryByName map[string]int64
	nextCategoryID int64
	products       map[string]domain.Product
	stock          map[string]domain.StockUnit
	order          []string
	sales          []domain.Sale
	saleByInvoice  map[string]int
	nextSaleID     int64
}

func New() *Store {
	s := &Store{
		categories:     make(map[int64]domain.Category),
		categoryByName: make(map[string]int64),
		products:       make(map[string]domain.Product),
		stock:          make(map[string]domain.StockUnit),
		order:          make([]string, 0, 64),
		sales:          make([]domain.Sale, 0, 128),
		saleByInvoice:  make(map[string]int),
	}
	for _, c := range domain.BuiltinCategories() {
		s.categories[c.ID] = c
		s.categoryByName[categoryKey(c.Name)] = c.ID
		if c.ID > s.nextCategoryID {
			s.nextCategoryID = c.ID
		}
	}
	return s
}

// NewSeeded returns a store stocked with a small auto parts catalog for demo
// and local development.
func NewSeeded() *Store {
	s := New()
	seed := []struct {
		barcode  string
		name     string
		company  string
		category int64
		purchase string
		sale     string
		amount   string
	}{
		{"170406720000101", "Brake Pad Set Front", "Bosch", domain.CategoryQuantityID, "1850", "2400", "24"},
		{"170406720000102", "Oil Filter", "Denso", domain.CategoryQuantityID, "320", "450", "60"},
		{"170406720000103", "Spark Plug Iridium", "NGK", domain.CategoryQuantityID, "780", "1050", "80"},
		{"170406720000104", "Air Filter", "Guard", domain.CategoryQuantityID, "540", "750", "30"},
		{"170406720000105", "Wiper Blade 22in", "Valeo", domain.CategoryQuantityID, "410", "600", "40"},
		{"170406720000106", "Engine Oil 5W-30", "Shell Helix", domain.CategoryLitresID, "1150", "1400", "120"},
		{"170406720000107", "Coolant Concentrate", "Prestone", domain.CategoryLitresID, "620", "850", "75.5"},
		{"170406720000108", "Brake Fluid DOT4", "Castrol", domain.CategoryLitresID, "900", "1200", "18"},
		{"170406720000109", "Gear Oil 80W-90", "Total", domain.CategoryLitresID, "980", "1300", "40"},
	}
	for _, item := range seed {
		category := s.categories[item.category]
		s.putProduct(domain.Product{
			BarcodeID:    item.barcode,
			Name:         item.name,
			Company:      item.company,
			CategoryID:   category.ID,
			PurchaseRate: decimal.RequireFromString(item.purchase),
			SaleRate:     decimal.RequireFromString(item.sale),
		}, domain.StockUnit{
			BarcodeID: item.barcode,
			UnitType:  category.UnitType,
			Amount:    decimal.RequireFromString(item.amount),
		})
	}
	return s
}

func (s *Store) GetProduct(_ context.Context, barcodeID string) (domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.productStock(barcodeID)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductStock, 0, len(s.order))
	for _, barcodeID := range s.order {
		item, err := s.productStock(barcodeID)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Category) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetSaleByInvoice(_ context.Context, invoiceNo string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.saleByInvoice[invoiceNo]
	if !ok {
		return domain.Sale{}, store.ErrNotFound
	}
	return cloneSale(s.sales[idx]), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		result = append(result, cloneSale(sale))
	}
	s.mu.RUnlock()

	slices.SortStableFunc(result, func(a, b domain.Sale) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AggregateTotals(_ context.Context) (domain.SaleTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.SaleTotals{TotalQuantity: decimal.Zero, TotalRevenue: decimal.Zero}
	for _, sale := range s.sales {
		totals.SalesCount++
		totals.TotalRevenue = totals.TotalRevenue.Add(sale.TotalPrice)
		for _, line := range sale.LineItems {
			totals.TotalQuantity = totals.TotalQuantity.Add(line.Quantity)
		}
	}
	return totals, nil
}

// WithinTx runs fn while holding the write lock. Every mutation records an
// undo step; if fn fails, panics, or ctx is done by the time fn returns, the
// steps are replayed in reverse.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) productStock(barcodeID string) (domain.ProductStock, error) {
	product, ok := s.products[barcodeID]
	if !ok {
		return domain.ProductStock{}, store.ErrNotFound
	}
	return domain.ProductStock{
		Product:      product,
		CategoryName: s.categories[product.CategoryID].Name,
		Stock:        s.stock[barcodeID],
	}, nil
}

// putProduct writes a product and its stock row and returns the step that
// undoes it.
func (s *Store) putProduct(product domain.Product, stock domain.StockUnit) func() {
	prevProduct, existed := s.products[product.BarcodeID]
	prevStock := s.stock[product.BarcodeID]

	s.products[product.BarcodeID] = product
	s.stock[product.BarcodeID] = stock
	if existed {
		return func() {
			s.products[product.BarcodeID] = prevProduct
			s.stock[product.BarcodeID] = prevStock
		}
	}

	s.order = append(s.order, product.BarcodeID)
	return func() {
		delete(s.products, product.BarcodeID)
		delete(s.stock, product.BarcodeID)
		s.order = s.order[:len(s.order)-1]
	}
}

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetProduct(_ context.Context, barcodeID string) (domain.ProductStock, error) {
	return t.s.productStock(barcodeID)
}

func (t *memTx) ResolveCategory(_ context.Context, ref domain.CategoryRef) (domain.Category, error) {
	s := t.s
	if ref.ID > 0 {
		if c, ok := s.categories[ref.ID]; ok {
			return c, nil
		}
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		if ref.ID > 0 {
			return domain.Category{}, store.Invalid("category %d does not exist", ref.ID)
		}
		return domain.Category{}, store.Invalid("category is required")
	}
	key := categoryKey(name)
	if id, ok := s.categoryByName[key]; ok {
		return s.categories[id], nil
	}

	s.nextCategoryID++
	created := domain.Category{ID: s.nextCategoryID, Name: name, UnitType: domain.UnitTypeForCategoryName(name)}
	s.categories[created.ID] = created
	s.categoryByName[key] = created.ID
	t.undo = append(t.undo, func() {
		delete(s.categories, created.ID)
		delete(s.categoryByName, key)
		s.nextCategoryID--
	})
	return created, nil
}

func (t *memTx) InsertProduct(_ context.Context, product domain.Product, stock domain.StockUnit) error {
	if _, exists := t.s.products[product.BarcodeID]; exists {
		return store.ErrDuplicateBarcode
	}
	t.undo = append(t.undo, t.s.putProduct(product, stock))
	return nil
}

func (t *memTx) UpsertProduct(_ context.Context, product domain.Product, stock domain.StockUnit) error {
	t.undo = append(t.undo, t.s.putProduct(product, stock))
	return nil
}

func (t *memTx) DeleteProduct(_ context.Context, barcodeID string) (bool, error) {
	s := t.s
	product, ok := s.products[barcodeID]
	if !ok {
		return false, nil
	}
	stock := s.stock[barcodeID]
	idx := slices.Index(s.order, barcodeID)

	delete(s.products, barcodeID)
	delete(s.stock, barcodeID)
	if idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	t.undo = append(t.undo, func() {
		s.products[barcodeID] = product
		s.stock[barcodeID] = stock
		if idx >= 0 {
			s.order = slices.Insert(s.order, idx, barcodeID)
		}
	})
	return true, nil
}

func (t *memTx) AdjustStock(_ context.Context, barcodeID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s := t.s
	unit, ok := s.stock[barcodeID]
	if !ok {
		return decimal.Zero, store.UnknownProduct(barcodeID)
	}
	next := unit.Amount.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &store.InsufficientStockError{
			BarcodeID: barcodeID,
			Requested: delta.Neg(),
			Available: unit.Amount,
		}
	}

	prev := unit
	unit.Amount = next
	s.stock[barcodeID] = unit
	t.undo = append(t.undo, func() {
		s.stock[barcodeID] = prev
	})
	return next, nil
}

func (t *memTx) AppendSale(_ context.Context, sale domain.Sale) (int64, error) {
	s := t.s
	if _, exists := s.saleByInvoice[sale.InvoiceNo]; exists {
		return 0, store.ErrDuplicateInvoice
	}

	s.nextSaleID++
	sale = cloneSale(sale)
	sale.ID = s.nextSaleID
	s.sales = append(s.sales, sale)
	s.saleByInvoice[sale.InvoiceNo] = len(s.sales) - 1
	t.undo = append(t.undo, func() {
		delete(s.saleByInvoice, sale.InvoiceNo)
		s.sales = s.sales[:len(s.sales)-1]
		s.nextSaleID--
	})
	return sale.ID, nil
}

func categoryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneSale(sale domain.Sale) domain.Sale {
	copied := sale
	copied.LineItems = slices.Clone(sale.LineItems)
	return copied
}
