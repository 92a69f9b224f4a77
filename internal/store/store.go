package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"posledger/internal/domain"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrUnknownProduct      = errors.New("unknown product")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrDuplicateInvoice    = errors.New("duplicate invoice number")
	ErrDuplicateBarcode    = errors.New("duplicate barcode id")
	ErrTotalMismatch       = errors.New("sale total mismatch")
	ErrIdentifierExhausted = errors.New("identifier retries exhausted")
	ErrStorage             = errors.New("storage failure")
)

// InsufficientStockError reports the barcode that could not cover a request.
// It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	BarcodeID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s", e.BarcodeID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage wraps an unexpected backend error. Errors that already belong to
// the taxonomy above pass through untouched.
func Storage(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrUnknownProduct, ErrInsufficientStock,
		ErrDuplicateInvoice, ErrDuplicateBarcode, ErrTotalMismatch,
		ErrIdentifierExhausted, ErrStorage,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func UnknownProduct(barcodeID string) error {
	return fmt.Errorf("%w: %s", ErrUnknownProduct, barcodeID)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Reader interface {
	GetProduct(ctx context.Context, barcodeID string) (domain.ProductStock, error)
	ListProducts(ctx context.Context) ([]domain.ProductStock, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetSaleByInvoice(ctx context.Context, invoiceNo string) (domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	AggregateTotals(ctx context.Context) (domain.SaleTotals, error)
}

// Tx is the write side of a storage transaction. Every change made through a
// Tx becomes visible together when the enclosing WithinTx returns nil, and not
// at all otherwise.
type Tx interface {
	// GetProduct reads a product and holds its stock row until the end of the
	// transaction.
	GetProduct(ctx context.Context, barcodeID string) (domain.ProductStock, error)
	ResolveCategory(ctx context.Context, ref domain.CategoryRef) (domain.Category, error)
	InsertProduct(ctx context.Context, product domain.Product, stock domain.StockUnit) error
	UpsertProduct(ctx context.Context, product domain.Product, stock domain.StockUnit) error
	DeleteProduct(ctx context.Context, barcodeID string) (bool, error)
	// AdjustStock applies delta and returns the new amount. The check that the
	// result is not negative and the write happen as one step.
	AdjustStock(ctx context.Context, barcodeID string, delta decimal.Decimal) (decimal.Decimal, error)
	AppendSale(ctx context.Context, sale domain.Sale) (int64, error)
}

type Repository interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
