package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"littlebee/backend/internal/auth"
	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/service"
	"littlebee/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	handler http.Handler
	repo    *memory.Store
	authSvc *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	svc := service.New(repo)
	authSvc := auth.NewService(repo, testSecret, "littlebee-test", nil, nil)
	api := New(svc, authSvc, "http://127.0.0.1:3000")
	return &fixture{handler: api.Handler(), repo: repo, authSvc: authSvc}
}

func (f *fixture) createUser(t *testing.T, email string, password string, role string) *domain.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	confirmed := time.Now().UTC()
	user, err := f.repo.CreateUser(context.Background(), domain.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
		Active:       true,
		ConfirmedAt:  &confirmed,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (f *fixture) login(t *testing.T, email string, password string) string {
	t.Helper()
	resp, err := f.authSvc.Login(context.Background(), domain.LoginRequest{Email: email, Password: password})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	if resp.Token == "" {
		t.Fatalf("login %s returned no token: %+v", email, resp)
	}
	return resp.Token
}

func (f *fixture) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func (f *fixture) createProduct(t *testing.T, token string, sku string, price float64, stock int) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":           "Product " + sku,
		"sku":            sku,
		"price":          price,
		"category":       "test",
		"stock_quantity": stock,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	product := body["product"].(map[string]any)
	return product["id"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "clerk@example.com", "correct-horse", domain.RoleEmployee)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "clerk@example.com", "password": "correct-horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["token"] == nil || body["token"] == "" {
		t.Fatalf("expected token in response, got %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "clerk@example.com", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["success"] != false {
		t.Fatalf("error envelope should carry success=false, got %s", rec.Body.String())
	}
	if _, ok := body["errors"].([]any); !ok {
		t.Fatalf("error envelope should carry errors array, got %s", rec.Body.String())
	}
}

func TestLockedAccountReturns423(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "clerk@example.com", "correct-horse", domain.RoleEmployee)

	for i := 0; i < auth.MaxFailedAttempts; i++ {
		f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email": "clerk@example.com", "password": "wrong",
		})
	}
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "clerk@example.com", "password": "correct-horse",
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("status = %d, want 423", rec.Code)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/sales", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/sales", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", rec.Code)
	}
}

func TestProductReadsAreOpen(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")
	id := f.createProduct(t, token, "WID-01", 10, 5)

	rec := f.do(t, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list without auth: status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/products/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get without auth: status = %d", rec.Code)
	}
}

func TestProductWriteRoleEnforcement(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "clerk@example.com", "correct-horse", domain.RoleEmployee)
	token := f.login(t, "clerk@example.com", "correct-horse")

	rec := f.do(t, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name": "Widget", "sku": "WID-01", "price": 10.0, "category": "test", "stock_quantity": 5,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("employee create: status = %d, want 403", rec.Code)
	}
}

func TestProductValidationReturns422(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")

	rec := f.do(t, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name": "", "sku": "", "price": -1.0, "category": "test",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	problems, ok := body["errors"].([]any)
	if !ok || len(problems) < 2 {
		t.Fatalf("expected per-field problems, got %s", rec.Body.String())
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")
	productID := f.createProduct(t, token, "WID-01", 10, 10)

	rec := f.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "cash",
		"sale_items":     []map[string]any{{"product_id": productID, "quantity": 3}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: status %d body %s", rec.Code, rec.Body.String())
	}
	sale := decodeBody(t, rec)["sale"].(map[string]any)
	saleID := sale["id"].(string)
	if sale["status"] != "pending" {
		t.Fatalf("new sale status = %v", sale["status"])
	}

	// Receipt before completion is rejected.
	rec = f.do(t, http.MethodGet, "/api/v1/sales/"+saleID+"/receipt", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("receipt for pending: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sales/"+saleID+"/complete", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/sales/"+saleID+"/receipt", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt: status %d body %s", rec.Code, rec.Body.String())
	}
	receipt := decodeBody(t, rec)
	if receipt["receipt_number"] == nil || receipt["receipt_number"] == "" {
		t.Fatalf("expected receipt number, got %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sales/"+saleID+"/refund", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/products/"+productID, token, nil)
	product := decodeBody(t, rec)["product"].(map[string]any)
	if product["stock_quantity"].(float64) != 10 {
		t.Fatalf("stock after refund = %v, want 10", product["stock_quantity"])
	}
}

func TestCompleteShortStockReturns422(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")
	productID := f.createProduct(t, token, "SPR-01", 10, 5)

	rec := f.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "cash",
		"sale_items":     []map[string]any{{"product_id": productID, "quantity": 4}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: status %d", rec.Code)
	}
	saleID := decodeBody(t, rec)["sale"].(map[string]any)["id"].(string)

	// Drain the stock underneath the pending sale.
	rec = f.do(t, http.MethodPatch, "/api/v1/products/"+productID, token, map[string]any{
		"stock_quantity": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("drain stock: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sales/"+saleID+"/complete", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownSaleReturns404(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")

	rec := f.do(t, http.MethodGet, "/api/v1/sales/sal-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSaleItemsSubResource(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	token := f.login(t, "boss@example.com", "correct-horse")
	p1 := f.createProduct(t, token, "WID-01", 10, 100)
	p2 := f.createProduct(t, token, "GAD-01", 20, 100)

	rec := f.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "cash",
		"sale_items":     []map[string]any{{"product_id": p1, "quantity": 2}},
	})
	saleID := decodeBody(t, rec)["sale"].(map[string]any)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/v1/sales/"+saleID+"/items", token, map[string]any{
		"product_id": p2, "quantity": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add item: status %d body %s", rec.Code, rec.Body.String())
	}
	sale := decodeBody(t, rec)["sale"].(map[string]any)
	items := sale["sale_items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(items))
	}

	itemID := items[1].(map[string]any)["id"].(string)
	rec = f.do(t, http.MethodPatch, "/api/v1/sales/"+saleID+"/items/"+itemID, token, map[string]any{
		"quantity": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update item: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/sales/"+saleID+"/items/"+itemID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove item: status %d body %s", rec.Code, rec.Body.String())
	}
	sale = decodeBody(t, rec)["sale"].(map[string]any)
	if len(sale["sale_items"].([]any)) != 1 {
		t.Fatalf("expected 1 line after removal, got %s", rec.Body.String())
	}
}

func TestAuditLogsRoleGate(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "boss@example.com", "correct-horse", domain.RoleManager)
	f.createUser(t, "clerk@example.com", "correct-horse", domain.RoleEmployee)
	bossToken := f.login(t, "boss@example.com", "correct-horse")
	clerkToken := f.login(t, "clerk@example.com", "correct-horse")

	rec := f.do(t, http.MethodGet, "/api/v1/audit-logs", clerkToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("employee: status = %d, want 403", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/audit-logs", bossToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager: status = %d", rec.Code)
	}
}

func TestLoginIPRateLimit(t *testing.T) {
	f := newFixture(t)

	var last int
	for i := 0; i < 21; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email": fmt.Sprintf("u%d@example.com", i), "password": "whatever1",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("21st attempt from one address: status = %d, want 429", last)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodDelete, "/healthz", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestTokenStopsWorkingAfterPasswordChange(t *testing.T) {
	f := newFixture(t)
	user := f.createUser(t, "clerk@example.com", "correct-horse", domain.RoleEmployee)
	token := f.login(t, "clerk@example.com", "correct-horse")

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status %d", rec.Code)
	}

	if err := f.authSvc.ChangePassword(context.Background(), user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "correct-horse", NewPassword: "rotated-password",
	}); err != nil {
		t.Fatalf("change password: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale token: status = %d, want 401", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected CORS origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
