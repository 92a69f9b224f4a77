package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type UnitType string

const (
	UnitQuantity UnitType = "Quantity"
	UnitVolume   UnitType = "Volume"
)

const (
	CategoryQuantityID int64 = 1
	CategoryLitresID   int64 = 2
)

var volumeWords = []string{"litre", "liter", "ltr", "volume"}

// UnitTypeForCategoryName maps a category name onto the unit its stock is
// counted in. Anything that does not read as a volume is counted by quantity.
func UnitTypeForCategoryName(name string) UnitType {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, word := range volumeWords {
		if strings.Contains(lower, word) {
			return UnitVolume
		}
	}
	return UnitQuantity
}

func BuiltinCategories() []Category {
	return []Category{
		{ID: CategoryQuantityID, Name: "Quantity", UnitType: UnitQuantity},
		{ID: CategoryLitresID, Name: "Litres", UnitType: UnitVolume},
	}
}

type Category struct {
	ID       int64    `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	UnitType UnitType `json:"unit_type" db:"unit_type"`
}

// CategoryRef is how callers point at a category: by id, by name, or both.
// It is resolved to a Category once, when a product is written.
type CategoryRef struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty" validate:"max=100"`
}

func (r CategoryRef) IsZero() bool {
	return r.ID == 0 && strings.TrimSpace(r.Name) == ""
}

type Product struct {
	BarcodeID    string          `json:"barcode_id" db:"barcode_id"`
	Name         string          `json:"name" db:"name"`
	Company      string          `json:"company" db:"company"`
	CategoryID   int64           `json:"category_id" db:"category_id"`
	PurchaseRate decimal.Decimal `json:"purchase_rate" db:"purchase_rate"`
	SaleRate     decimal.Decimal `json:"sale_rate" db:"sale_rate"`
}

type StockUnit struct {
	BarcodeID string          `json:"barcode_id" db:"barcode_id"`
	UnitType  UnitType        `json:"unit_type" db:"unit_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// ProductStock is a product joined with its category name and stock row.
type ProductStock struct {
	Product
	CategoryName string    `json:"category_name"`
	Stock        StockUnit `json:"stock"`
}

type ProductUpsertRequest struct {
	BarcodeID    string              `json:"barcode_id,omitempty" validate:"omitempty,max=64,printascii"`
	Name         string              `json:"name" validate:"required,max=200"`
	Company      string              `json:"company" validate:"max=200"`
	Category     CategoryRef         `json:"category"`
	PurchaseRate decimal.NullDecimal `json:"purchase_rate"`
	SaleRate     decimal.NullDecimal `json:"sale_rate"`
	Amount       decimal.NullDecimal `json:"amount"`
}

type StockAdjustRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

type StockAdjustResult struct {
	BarcodeID string          `json:"barcode_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type LineItem struct {
	BarcodeID    string          `json:"barcode_id" db:"barcode_id"`
	Name         string          `json:"name" db:"name"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	LineTotal    decimal.Decimal `json:"line_total" db:"line_total"`
}

type Sale struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	LineItems    []LineItem      `json:"line_items"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	CustomerName string          `json:"customer_name"`
	InvoiceNo    string          `json:"invoice_no"`
}

type SaleTotals struct {
	SalesCount    int64           `json:"sales_count" db:"sales_count"`
	TotalQuantity decimal.Decimal `json:"total_quantity" db:"total_quantity"`
	TotalRevenue  decimal.Decimal `json:"total_revenue" db:"total_revenue"`
}

type SellItem struct {
	BarcodeID string          `json:"barcode_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type SellRequest struct {
	Items        []SellItem `json:"items" validate:"required,min=1,max=200,dive"`
	CustomerName string     `json:"customer_name" validate:"max=200"`
}

type SellResult struct {
	SaleID     int64           `json:"sale_id"`
	InvoiceNo  string          `json:"invoice_no"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}
