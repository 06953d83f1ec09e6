// Package httpapi exposes the back office over HTTP. Routing uses the stdlib
// mux with manual path parsing; all responses are JSON.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"littlebee/backend/internal/auth"
	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/service"
	"littlebee/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *auth.Service
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, authSvc *auth.Service, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          authSvc,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(20, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/two-factor/verify", a.handleTwoFactorVerify)
	mux.HandleFunc("/api/v1/auth/two-factor/sms-code", a.handleSMSCode)
	mux.HandleFunc("/api/v1/auth/unlock", a.handleUnlock)
	mux.HandleFunc("/api/v1/auth/password", a.handleChangePassword)
	mux.HandleFunc("/api/v1/auth/refresh", a.requireAuth(a.handleRefresh))
	mux.HandleFunc("/api/v1/auth/logout", a.requireAuth(a.handleLogout))
	mux.HandleFunc("/api/v1/auth/me", a.requireAuth(a.handleMe))
	mux.HandleFunc("/api/v1/auth/two-factor", a.requireAuth(a.handleTwoFactorDisable))
	mux.HandleFunc("/api/v1/auth/two-factor/setup", a.requireAuth(a.handleTwoFactorSetup))
	mux.HandleFunc("/api/v1/auth/two-factor/backup-codes", a.requireAuth(a.handleBackupCodes))

	mux.HandleFunc("/api/v1/products", a.handleProducts)
	mux.HandleFunc("/api/v1/products/low-stock", a.requireAuth(a.handleLowStock))
	mux.HandleFunc("/api/v1/products/", a.handleProductActions)

	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerActions))

	mux.HandleFunc("/api/v1/discounts", a.requireAuth(a.handleDiscounts))
	mux.HandleFunc("/api/v1/discounts/best", a.requireAuth(a.handleBestDiscount))
	mux.HandleFunc("/api/v1/discounts/", a.requireAuth(a.handleDiscountActions))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("/api/v1/sales/stats", a.requireAuth(a.handleSalesStats))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin, domain.RoleManager))

	return a.withMiddleware(mux)
}

// requireAuth demands a valid bearer token. Validation goes through the user
// store so rotated session tokens and deactivated accounts are rejected.
func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) authenticate(r *http.Request) (domain.Actor, error) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Actor{}, auth.ErrInvalidToken
	}
	return a.auth.ValidateToken(r.Context(), token)
}

// maybeActor attaches an actor when a parseable bearer token is present.
// This path skips the user-store cross-check, so a token issued before a
// password change still identifies the caller here.
func (a *API) maybeActor(r *http.Request) *http.Request {
	token, ok := bearerToken(r)
	if !ok {
		return r
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		return r
	}
	return r.WithContext(service.WithActor(r.Context(), actor))
}

func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(authorization[len("Bearer "):]), true
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- products ---

// Product reads are open to any caller; writes require an authenticated
// manager. The read path uses the lenient token parse.
func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		r = a.maybeActor(r)
		active := parseBoolParam(r, "active")
		filter := domain.ProductListFilter{
			Category: r.URL.Query().Get("category"),
			Query:    r.URL.Query().Get("q"),
			LowStock: r.URL.Query().Get("low_stock") == "true",
			Active:   active,
		}
		products, err := a.service.ListProducts(r.Context(), filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		ctx := service.WithActor(r.Context(), actor)
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.LowStockProducts(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/products/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("invalid product path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		r = a.maybeActor(r)
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch, http.MethodPut:
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		ctx := service.WithActor(r.Context(), actor)
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.UpdateProduct(ctx, id, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "product": product})
	case http.MethodDelete:
		actor, err := a.authenticate(r)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		ctx := service.WithActor(r.Context(), actor)
		if err := a.service.DeleteProduct(ctx, id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "product deleted"})
	default:
		writeMethodNotAllowed(w)
	}
}

// --- customers ---

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		customers, err := a.service.ListCustomers(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.CustomerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := a.service.CreateCustomer(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("invalid customer path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		customer, err := a.service.GetCustomer(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	case http.MethodPatch, http.MethodPut:
		var req domain.CustomerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := a.service.UpdateCustomer(r.Context(), id, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "customer": customer})
	case http.MethodDelete:
		if err := a.service.DeleteCustomer(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "customer deleted"})
	default:
		writeMethodNotAllowed(w)
	}
}

// --- discounts ---

func (a *API) handleDiscounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		discounts, err := a.service.ListDiscounts(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"discounts": discounts})
	case http.MethodPost:
		var req domain.DiscountCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		d, err := a.service.CreateDiscount(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "discount": d})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBestDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	amount, err := parseAmountParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	best, savings, err := a.service.BestDiscountFor(r.Context(), amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discount": best, "savings": savings})
}

func (a *API) handleDiscountActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/discounts/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, errors.New("invalid discount path"))
		return
	}

	if len(parts) == 2 {
		if parts[1] != "calculate" || r.Method != http.MethodGet {
			writeError(w, http.StatusBadRequest, errors.New("invalid discount action"))
			return
		}
		amount, err := parseAmountParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		savings, err := a.service.CalculateDiscount(r.Context(), id, amount)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"discount_amount": savings})
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, err := a.service.GetDiscount(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"discount": d})
	case http.MethodPatch, http.MethodPut:
		var req domain.DiscountUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		d, err := a.service.UpdateDiscount(r.Context(), id, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "discount": d})
	case http.MethodDelete:
		if err := a.service.DeleteDiscount(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "discount deleted"})
	default:
		writeMethodNotAllowed(w)
	}
}

// --- sales ---

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.service.ListSales(r.Context(), saleFilterFromQuery(r))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req domain.SaleCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.CreateSale(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSalesStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := a.service.SalesStats(r.Context(), saleFilterFromQuery(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sales/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 3 {
		writeError(w, http.StatusBadRequest, errors.New("invalid sale path"))
		return
	}

	if len(parts) == 1 {
		a.handleSale(w, r, id)
		return
	}

	switch parts[1] {
	case "complete", "cancel", "refund":
		if len(parts) != 2 || r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleSaleTransition(w, r, id, parts[1])
	case "receipt":
		if len(parts) != 2 || r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		receipt, err := a.service.SaleReceipt(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	case "items":
		a.handleSaleItems(w, r, id, parts[2:])
	default:
		writeError(w, http.StatusBadRequest, errors.New("invalid sale action"))
	}
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		sale, err := a.service.GetSale(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
	case http.MethodPatch, http.MethodPut:
		var req domain.SaleUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.UpdateSale(r.Context(), id, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sale": sale})
	case http.MethodDelete:
		if err := a.service.DeleteSale(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "sale deleted"})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleTransition(w http.ResponseWriter, r *http.Request, id string, action string) {
	var sale domain.Sale
	var err error
	switch action {
	case "complete":
		sale, err = a.service.CompleteSale(r.Context(), id)
	case "cancel":
		sale, err = a.service.CancelSale(r.Context(), id)
	case "refund":
		sale, err = a.service.RefundSale(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sale": sale})
}

func (a *API) handleSaleItems(w http.ResponseWriter, r *http.Request, saleID string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var input domain.SaleItemInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.AddSaleItem(r.Context(), saleID, input)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sale": sale})
		return
	}

	itemID := rest[0]
	switch r.Method {
	case http.MethodPatch, http.MethodPut:
		var input domain.SaleItemInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.UpdateSaleItem(r.Context(), saleID, itemID, input)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sale": sale})
	case http.MethodDelete:
		sale, err := a.service.RemoveSaleItem(r.Context(), saleID, itemID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "sale": sale})
	default:
		writeMethodNotAllowed(w)
	}
}

// --- audit ---

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

// --- helpers ---

func saleFilterFromQuery(r *http.Request) domain.SaleListFilter {
	q := r.URL.Query()
	filter := domain.SaleListFilter{
		Status:        q.Get("status"),
		UserID:        q.Get("user_id"),
		CustomerID:    q.Get("customer_id"),
		PaymentMethod: q.Get("payment_method"),
		Page:          parsePositiveLimit(q.Get("page"), 1, 0),
		PerPage:       parsePositiveLimit(q.Get("per_page"), 25, 100),
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = &from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = &to
	}
	return filter
}

func parseAmountParam(r *http.Request) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("amount"))
	if raw == "" {
		return 0, errors.New("amount query parameter required")
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount < 0 {
		return 0, errors.New("amount must be a non-negative number")
	}
	return amount, nil
}

func parseBoolParam(r *http.Request, name string) *bool {
	switch r.URL.Query().Get(name) {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// statusFor maps service and auth errors to HTTP statuses. Unknown errors
// surface as 500 with a generic body.
func statusFor(err error) int {
	var validation *service.ValidationError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidCode):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrPasswordReused),
		errors.Is(err, auth.ErrTwoFactorNotConfigured),
		errors.Is(err, auth.ErrSMSNotConfigured),
		errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so internals never leak to clients.
	msgs := []string{err.Error()}
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msgs = []string{"internal server error"}
	}
	var validation *service.ValidationError
	if errors.As(err, &validation) {
		msgs = validation.Problems
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"errors":  msgs,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
