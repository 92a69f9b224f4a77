package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/internal/domain"
	"posledger/internal/store"
)

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to databaseURL and brings the schema up to date before
// returning.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger.Named("postgres")}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productSelect = `
	SELECT p.barcode_id, p.name, p.company, p.category_id, p.purchase_rate, p.sale_rate,
	       c.name AS category_name, s.unit_type, s.amount
	FROM products p
	JOIN categories c ON c.id = p.category_id
	JOIN stock_units s ON s.barcode_id = p.barcode_id`

type productRow struct {
	domain.Product
	CategoryName string          `db:"category_name"`
	UnitType     domain.UnitType `db:"unit_type"`
	Amount       decimal.Decimal `db:"amount"`
}

func (r productRow) toDomain() domain.ProductStock {
	return domain.ProductStock{
		Product:      r.Product,
		CategoryName: r.CategoryName,
		Stock: domain.StockUnit{
			BarcodeID: r.BarcodeID,
			UnitType:  r.UnitType,
			Amount:    r.Amount,
		},
	}
}

type saleRow struct {
	ID           int64           `db:"id"`
	InvoiceNo    string          `db:"invoice_no"`
	CustomerName string          `db:"customer_name"`
	TotalPrice   decimal.Decimal `db:"total_price"`
	CreatedAt    time.Time       `db:"created_at"`
}

type saleItemRow struct {
	SaleID int64 `db:"sale_id"`
	LineNo int   `db:"line_no"`
	domain.LineItem
}

func getProduct(ctx context.Context, q sqlx.QueryerContext, barcodeID string, lockClause string) (domain.ProductStock, error) {
	var row productRow
	err := sqlx.GetContext(ctx, q, &row, productSelect+` WHERE p.barcode_id = $1`+lockClause, barcodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductStock{}, store.ErrNotFound
	}
	if err != nil {
		return domain.ProductStock{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) GetProduct(ctx context.Context, barcodeID string) (domain.ProductStock, error) {
	return getProduct(ctx, s.db, barcodeID, "")
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, productSelect+` ORDER BY p.seq`); err != nil {
		return nil, err
	}
	out := make([]domain.ProductStock, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories := make([]domain.Category, 0, 8)
	if err := s.db.SelectContext(ctx, &categories, `SELECT id, name, unit_type FROM categories ORDER BY id`); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceNo string) (domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, invoice_no, customer_name, total_price, created_at
		FROM sales
		WHERE invoice_no = $1
	`, invoiceNo)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sale{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Sale{}, err
	}

	sales, err := s.attachItems(ctx, []saleRow{row})
	if err != nil {
		return domain.Sale{}, err
	}
	return sales[0], nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	// LIMIT NULL returns every row.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, invoice_no, customer_name, total_price, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitArg); err != nil {
		return nil, err
	}
	return s.attachItems(ctx, rows)
}

func (s *Store) attachItems(ctx context.Context, rows []saleRow) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, len(rows))
	if len(rows) == 0 {
		return sales, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var items []saleItemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT sale_id, line_no, barcode_id, name, quantity, price_per_unit, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids); err != nil {
		return nil, err
	}

	byID := make(map[int64][]domain.LineItem, len(rows))
	for _, item := range items {
		byID[item.SaleID] = append(byID[item.SaleID], item.LineItem)
	}
	for _, row := range rows {
		lines := byID[row.ID]
		if lines == nil {
			lines = []domain.LineItem{}
		}
		sales = append(sales, domain.Sale{
			ID:           row.ID,
			Timestamp:    row.CreatedAt.UTC(),
			LineItems:    lines,
			TotalPrice:   row.TotalPrice,
			CustomerName: row.CustomerName,
			InvoiceNo:    row.InvoiceNo,
		})
	}
	return sales, nil
}

func (s *Store) AggregateTotals(ctx context.Context) (domain.SaleTotals, error) {
	var totals domain.SaleTotals
	err := s.db.GetContext(ctx, &totals, `
		SELECT
			(SELECT COUNT(*) FROM sales) AS sales_count,
			(SELECT COALESCE(SUM(quantity), 0) FROM sale_items) AS total_quantity,
			(SELECT COALESCE(SUM(total_price), 0) FROM sales) AS total_revenue
	`)
	return totals, err
}

// WithinTx runs fn in a READ COMMITTED transaction. Rows read through
// Tx.GetProduct are locked with FOR UPDATE, so callers that need several rows
// must read them in a stable order.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return store.Storage("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Storage("commit tx", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, barcodeID string) (domain.ProductStock, error) {
	return getProduct(ctx, t.tx, barcodeID, ` FOR UPDATE OF p, s`)
}

func (t *pgTx) ResolveCategory(ctx context.Context, ref domain.CategoryRef) (domain.Category, error) {
	var category domain.Category
	if ref.ID > 0 {
		err := t.tx.GetContext(ctx, &category, `SELECT id, name, unit_type FROM categories WHERE id = $1`, ref.ID)
		if err == nil {
			return category, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Category{}, err
		}
	}

	name := strings.TrimSpace(ref.Name)
	if name == "" {
		if ref.ID > 0 {
			return domain.Category{}, store.Invalid("category %d does not exist", ref.ID)
		}
		return domain.Category{}, store.Invalid("category is required")
	}

	err := t.tx.GetContext(ctx, &category, `
		INSERT INTO categories (name, unit_type)
		VALUES ($1, $2)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = categories.name
		RETURNING id, name, unit_type
	`, name, string(domain.UnitTypeForCategoryName(name)))
	return category, err
}

func (t *pgTx) InsertProduct(ctx context.Context, product domain.Product, stock domain.StockUnit) error {
	if _, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO products (barcode_id, name, company, category_id, purchase_rate, sale_rate)
		VALUES (:barcode_id, :name, :company, :category_id, :purchase_rate, :sale_rate)
	`, product); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateBarcode
		}
		return err
	}
	return t.writeStock(ctx, stock)
}

func (t *pgTx) UpsertProduct(ctx context.Context, product domain.Product, stock domain.StockUnit) error {
	if _, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO products (barcode_id, name, company, category_id, purchase_rate, sale_rate)
		VALUES (:barcode_id, :name, :company, :category_id, :purchase_rate, :sale_rate)
		ON CONFLICT (barcode_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			company = EXCLUDED.company,
			category_id = EXCLUDED.category_id,
			purchase_rate = EXCLUDED.purchase_rate,
			sale_rate = EXCLUDED.sale_rate,
			updated_at = now()
	`, product); err != nil {
		return err
	}
	return t.writeStock(ctx, stock)
}

func (t *pgTx) writeStock(ctx context.Context, stock domain.StockUnit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_units (barcode_id, unit_type, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (barcode_id)
		DO UPDATE SET unit_type = EXCLUDED.unit_type, amount = EXCLUDED.amount
	`, stock.BarcodeID, string(stock.UnitType), stock.Amount)
	return err
}

// DeleteProduct removes the product row; its stock row goes with it through
// ON DELETE CASCADE, so rows are locked products first like every other write.
func (t *pgTx) DeleteProduct(ctx context.Context, barcodeID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM products WHERE barcode_id = $1`, barcodeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *pgTx) AdjustStock(ctx context.Context, barcodeID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := t.tx.GetContext(ctx, &amount, `
		UPDATE stock_units
		SET amount = amount + $2
		WHERE barcode_id = $1 AND amount + $2 >= 0
		RETURNING amount
	`, barcodeID, delta)
	if err == nil {
		return amount, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, err
	}

	var current decimal.Decimal
	err = t.tx.GetContext(ctx, &current, `SELECT amount FROM stock_units WHERE barcode_id = $1`, barcodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, store.UnknownProduct(barcodeID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, &store.InsufficientStockError{
		BarcodeID: barcodeID,
		Requested: delta.Neg(),
		Available: current,
	}
}

func (t *pgTx) AppendSale(ctx context.Context, sale domain.Sale) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, `
		INSERT INTO sales (invoice_no, customer_name, total_price, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sale.InvoiceNo, sale.CustomerName, sale.TotalPrice, sale.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateInvoice
		}
		return 0, err
	}
	if len(sale.LineItems) == 0 {
		return id, nil
	}

	items := make([]saleItemRow, 0, len(sale.LineItems))
	for i, line := range sale.LineItems {
		items = append(items, saleItemRow{SaleID: id, LineNo: i + 1, LineItem: line})
	}
	if _, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO sale_items (sale_id, line_no, barcode_id, name, quantity, price_per_unit, line_total)
		VALUES (:sale_id, :line_no, :barcode_id, :name, :quantity, :price_per_unit, :line_total)
	`, items); err != nil {
		return 0, err
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
