package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"posledger/internal/domain"
	"posledger/internal/lock"
	"posledger/internal/service"
	"posledger/internal/store/memory"
)

const testManagerPIN = "739154"

// newTestAPI wires the real service over the seeded memory store so handler
// tests go through the complete request path.
func newTestAPI(t *testing.T, opts Options) *API {
	t.Helper()

	logger := zaptest.NewLogger(t)
	svc := service.New(memory.NewSeeded(), lock.NewLocal(lock.Options{}), nil, logger, service.Config{})
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN)
	return New(svc, auth, logger, opts)
}

func tokenFor(t *testing.T, api *API, role string) string {
	t.Helper()
	token, _, err := api.auth.IssueToken(role+"-user", role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t, Options{})

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestListProductsAsCashier(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", tokenFor(t, api, RoleCashier), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Products []domain.ProductStock `json:"products"`
	}
	decodeBody(t, rec, &body)
	if len(body.Products) != 9 {
		t.Fatalf("expected 9 seeded products, got %d", len(body.Products))
	}
	if body.Products[0].BarcodeID != "170406720000101" {
		t.Fatalf("expected insertion order, first was %s", body.Products[0].BarcodeID)
	}
}

func TestCashierCannotWriteCatalog(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleCashier)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":          "Cabin Filter",
		"category":      map[string]any{"id": 1},
		"purchase_rate": "300",
		"sale_rate":     "420",
		"amount":        "12",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/products/170406720000101/stock", token, map[string]any{"delta": "5"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stock adjust, got %d", rec.Code)
	}
}

func TestCreateProductMintsBarcode(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", tokenFor(t, api, RoleAdmin), map[string]any{
		"name":          "Transmission Fluid",
		"company":       "Valvoline",
		"category":      map[string]any{"name": "Bulk Litres"},
		"purchase_rate": "700",
		"sale_rate":     "950",
		"amount":        "20.5",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Product domain.ProductStock `json:"product"`
	}
	decodeBody(t, rec, &body)
	if body.Product.BarcodeID == "" {
		t.Fatalf("expected minted barcode")
	}
	if body.Product.Stock.UnitType != domain.UnitVolume {
		t.Fatalf("expected Volume unit, got %s", body.Product.Stock.UnitType)
	}
	if !body.Product.Stock.Amount.Equal(decimal.RequireFromString("20.5")) {
		t.Fatalf("expected amount 20.5, got %s", body.Product.Stock.Amount)
	}
}

func TestPutProductReplacesExisting(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleAdmin)

	rec := doJSON(t, api, http.MethodPut, "/api/v1/products/170406720000102", token, map[string]any{
		"name":          "Oil Filter Premium",
		"company":       "Denso",
		"category":      map[string]any{"id": 1},
		"purchase_rate": "350",
		"sale_rate":     "500",
		"amount":        "10",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Product domain.ProductStock `json:"product"`
	}
	decodeBody(t, rec, &body)
	if body.Product.Name != "Oil Filter Premium" || !body.Product.SaleRate.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected product after replace: %+v", body.Product)
	}

	rec = doJSON(t, api, http.MethodPut, "/api/v1/products/170406720000102", token, map[string]any{
		"barcode_id":    "170406720000999",
		"name":          "Mismatch",
		"purchase_rate": "1",
		"sale_rate":     "1",
		"amount":        "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for barcode mismatch, got %d", rec.Code)
	}
}

func TestCreateProductValidation(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleAdmin)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"company":       "Nameless",
		"purchase_rate": "1",
		"sale_rate":     "1",
		"amount":        "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":          "Negative",
		"purchase_rate": "1",
		"sale_rate":     "-1",
		"amount":        "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative sale rate, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":    "Unknown field",
		"colour":  "red",
		"amount":  "1",
		"company": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestDeleteProductNeedsManagerPIN(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleAdmin)
	path := "/api/v1/products/170406720000105"

	rec := doJSON(t, api, http.MethodDelete, path, token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without PIN, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Manager-PIN", testManagerPIN)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with PIN, got %d (body: %s)", res.Code, res.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, path, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAdjustStock(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleAdmin)
	path := "/api/v1/products/170406720000101/stock"

	rec := doJSON(t, api, http.MethodPost, path, token, map[string]any{"delta": "-30"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when adjust would go negative, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, path, token, map[string]any{"delta": "6"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Stock domain.StockAdjustResult `json:"stock"`
	}
	decodeBody(t, rec, &body)
	if !body.Stock.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected amount 30, got %s", body.Stock.Amount)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/products/000/stock", token, map[string]any{"delta": "1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown product, got %d", rec.Code)
	}
}

func TestListCategories(t *testing.T) {
	api := newTestAPI(t, Options{})
	rec := doJSON(t, api, http.MethodGet, "/api/v1/categories", tokenFor(t, api, RoleCashier), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Categories []domain.Category `json:"categories"`
	}
	decodeBody(t, rec, &body)
	if len(body.Categories) < 2 || body.Categories[1].UnitType != domain.UnitVolume {
		t.Fatalf("expected built-in categories, got %+v", body.Categories)
	}
}

func TestSellFlow(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleCashier)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer_name": "Dina",
		"items": []map[string]any{
			{"barcode_id": "170406720000104", "quantity": "2"},
			{"barcode_id": "170406720000107", "quantity": "1.5"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.SellResult `json:"sale"`
	}
	decodeBody(t, rec, &created)
	// 2 x 750 + 1.5 x 850
	if !created.Sale.TotalPrice.Equal(decimal.RequireFromString("2775")) {
		t.Fatalf("expected total 2775, got %s", created.Sale.TotalPrice)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+created.Sale.InvoiceNo, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sale lookup, got %d", rec.Code)
	}
	var fetched struct {
		Sale domain.Sale `json:"sale"`
	}
	decodeBody(t, rec, &fetched)
	if len(fetched.Sale.LineItems) != 2 || fetched.Sale.CustomerName != "Dina" {
		t.Fatalf("unexpected sale record: %+v", fetched.Sale)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales?limit=5", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sales list, got %d", rec.Code)
	}
	var listed struct {
		Sales []domain.Sale `json:"sales"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(listed.Sales))
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/totals", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for totals, got %d", rec.Code)
	}
	var totals struct {
		Totals domain.SaleTotals `json:"totals"`
	}
	decodeBody(t, rec, &totals)
	if totals.Totals.SalesCount != 1 || !totals.Totals.TotalQuantity.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("unexpected totals: %+v", totals.Totals)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/products/170406720000104", token, nil)
	var product struct {
		Product domain.ProductStock `json:"product"`
	}
	decodeBody(t, rec, &product)
	if !product.Product.Stock.Amount.Equal(decimal.NewFromInt(28)) {
		t.Fatalf("expected stock 28 after sale, got %s", product.Product.Stock.Amount)
	}
}

func TestSellErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t, Options{})
	token := tokenFor(t, api, RoleCashier)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items": []map[string]any{{"barcode_id": "170406720000108", "quantity": "19"}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for over-demand, got %d", rec.Code)
	}
	var short struct {
		BarcodeID string          `json:"barcode_id"`
		Available decimal.Decimal `json:"available"`
	}
	decodeBody(t, rec, &short)
	if short.BarcodeID != "170406720000108" || !short.Available.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("unexpected shortage body: %+v", short)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items": []map[string]any{{"barcode_id": "does-not-exist", "quantity": "1"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown product, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{"items": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items": []map[string]any{{"barcode_id": "170406720000101", "quantity": "0"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero quantity, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/INV-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown invoice, got %d", rec.Code)
	}
}
