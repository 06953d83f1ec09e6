// Package memory is an in-process Repository used for dev mode and tests.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/store"
	"littlebee/backend/internal/xid"
)

type Store struct {
	mu          sync.RWMutex
	usersByID   map[string]domain.User
	products    map[string]domain.Product
	customers   map[string]domain.Customer
	discounts   map[string]domain.Discount
	salesByID   map[string]domain.Sale
	saleOrder   []string
	auditLogs   []domain.AuditLog
	seededAdmin string
}

func New() *Store {
	return &Store{
		usersByID: map[string]domain.User{},
		products:  map[string]domain.Product{},
		customers: map[string]domain.Customer{},
		discounts: map[string]domain.Discount{},
		salesByID: map[string]domain.Sale{},
	}
}

// NewSeeded builds a store preloaded with a demo catalog and an admin
// account. The admin password comes from SEED_ADMIN_PASSWORD, with a dev
// default when unset.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	adminPwd := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPwd == "" {
		adminPwd = "changeme123"
		log.Println("[memory-store] WARNING: using default dev admin credentials. Set SEED_ADMIN_PASSWORD to override.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	confirmed := now
	admin := domain.User{
		ID:           xid.New("usr"),
		Email:        "admin@littlebee.local",
		PasswordHash: string(hash),
		FirstName:    "Store",
		LastName:     "Admin",
		Role:         domain.RoleAdmin,
		Active:       true,
		ConfirmedAt:  &confirmed,
		CreatedAt:    now,
	}
	s.usersByID[admin.ID] = admin
	s.seededAdmin = admin.ID

	for _, p := range []domain.Product{
		{Name: "House Blend Coffee", SKU: "COF-HOUSE-12", Price: 12.99, Category: "beverages", StockQuantity: 40, LowStockThreshold: 5, Active: true},
		{Name: "Raw Honey Jar", SKU: "HNY-RAW-16", Price: 9.50, Category: "pantry", StockQuantity: 25, LowStockThreshold: 5, Active: true},
		{Name: "Beeswax Candle", SKU: "CDL-BEE-01", Price: 14.00, Category: "home", StockQuantity: 12, LowStockThreshold: 3, Active: true},
		{Name: "Canvas Tote Bag", SKU: "TOT-CVS-01", Price: 18.75, Category: "merch", StockQuantity: 8, LowStockThreshold: 5, Active: true},
	} {
		p.ID = xid.New("prd")
		p.CreatedAt = now
		s.products[p.ID] = p
	}

	return s
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	for _, existing := range s.usersByID {
		if strings.ToLower(existing.Email) == email {
			return nil, store.ErrConflict
		}
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByID[user.ID] = cloneUser(user)
	created := cloneUser(user)
	return &created, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneUser(user)
	return &found, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(email)
	for _, user := range s.usersByID {
		if strings.ToLower(user.Email) == email {
			found := cloneUser(user)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[user.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.usersByID[user.ID] = cloneUser(user)
	updated := cloneUser(user)
	return &updated, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		result = append(result, cloneUser(user))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Email < result[j].Email })
	return result, nil
}

// SeededAdminID returns the id of the seeded admin account, for tests.
func (s *Store) SeededAdminID() string {
	return s.seededAdmin
}

// --- products ---

func (s *Store) ListProducts(ctx context.Context, filter domain.ProductListFilter) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.Active != nil && p.Active != *filter.Active {
			continue
		}
		if filter.LowStock && !p.LowStock() {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(p.Name), query) &&
			!strings.Contains(strings.ToLower(p.SKU), query) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, product := range s.products {
		if product.SKU == sku {
			found := product
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.products {
		if existing.ID != product.ID && existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		for _, item := range sale.Items {
			if item.ProductID == id {
				return store.ErrConflict
			}
		}
	}
	delete(s.products, id)
	return nil
}

func (s *Store) DecreaseStock(ctx context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decreaseStockLocked(productID, qty)
}

func (s *Store) decreaseStockLocked(productID string, qty int) error {
	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	if !product.Active || product.StockQuantity < qty {
		return store.ErrInsufficientStock
	}
	product.StockQuantity -= qty
	s.products[productID] = product
	return nil
}

func (s *Store) IncreaseStock(ctx context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increaseStockLocked(productID, qty)
}

func (s *Store) increaseStockLocked(productID string, qty int) error {
	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.StockQuantity += qty
	s.products[productID] = product
	return nil
}

// --- customers ---

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LastName != result[j].LastName {
			return result[i].LastName < result[j].LastName
		}
		return result[i].FirstName < result[j].FirstName
	})
	return result, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cst")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[customer.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.customers[customer.ID] = customer
	updated := customer
	return &updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

// --- discounts ---

func (s *Store) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDiscountsLocked(false), nil
}

func (s *Store) ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDiscountsLocked(true), nil
}

func (s *Store) listDiscountsLocked(activeOnly bool) []domain.Discount {
	result := make([]domain.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		if activeOnly && !d.Active {
			continue
		}
		result = append(result, cloneDiscount(d))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) CreateDiscount(ctx context.Context, d domain.Discount) (*domain.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = xid.New("dsc")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.discounts[d.ID] = cloneDiscount(d)
	created := cloneDiscount(d)
	return &created, nil
}

func (s *Store) GetDiscountByID(ctx context.Context, id string) (*domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.discounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneDiscount(d)
	return &found, nil
}

func (s *Store) UpdateDiscount(ctx context.Context, d domain.Discount) (*domain.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discounts[d.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.discounts[d.ID] = cloneDiscount(d)
	updated := cloneDiscount(d)
	return &updated, nil
}

func (s *Store) DeleteDiscount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discounts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.discounts, id)
	return nil
}

// --- sales ---

// CreateSale persists a sale. A sale arriving already completed decrements
// stock for every line inside the same critical section; any short line
// rolls the whole creation back.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sal")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	sale.UpdatedAt = now
	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("itm")
		}
		sale.Items[i].SaleID = sale.ID
	}

	if sale.Status == domain.SaleStatusCompleted {
		if err := s.decrementAllLocked(sale.Items); err != nil {
			return nil, err
		}
	}

	s.salesByID[sale.ID] = cloneSale(sale)
	s.saleOrder = append(s.saleOrder, sale.ID)
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneSale(sale)
	return &found, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Sale, 0, len(s.saleOrder))
	// Newest first.
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sale, ok := s.salesByID[s.saleOrder[i]]
		if !ok {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && sale.UserID != filter.UserID {
			continue
		}
		if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
			continue
		}
		if filter.PaymentMethod != "" && sale.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.CreatedAt.After(*filter.To) {
			continue
		}
		matched = append(matched, cloneSale(sale))
	}

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 25
	}
	start := (page - 1) * perPage
	if start >= total {
		return []domain.Sale{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) UpdateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.salesByID[sale.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if existing.Status != domain.SaleStatusPending {
		return nil, store.ErrInvalidState
	}

	sale.CreatedAt = existing.CreatedAt
	sale.UpdatedAt = time.Now().UTC()
	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("itm")
		}
		sale.Items[i].SaleID = sale.ID
	}
	s.salesByID[sale.ID] = cloneSale(sale)
	updated := cloneSale(sale)
	return &updated, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPending {
		return store.ErrInvalidState
	}
	delete(s.salesByID, id)
	for i, saleID := range s.saleOrder {
		if saleID == id {
			s.saleOrder = append(s.saleOrder[:i], s.saleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// CompleteSale moves a pending sale to completed, decrementing stock for all
// lines or none.
func (s *Store) CompleteSale(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !sale.CanBeCompleted() {
		return nil, store.ErrInvalidState
	}
	if err := s.decrementAllLocked(sale.Items); err != nil {
		return nil, err
	}
	sale.Status = domain.SaleStatusCompleted
	sale.UpdatedAt = time.Now().UTC()
	s.salesByID[id] = cloneSale(sale)
	completed := cloneSale(sale)
	return &completed, nil
}

// CancelSale voids a pending sale. Cancelling twice is idempotent.
func (s *Store) CancelSale(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusCancelled {
		cancelled := cloneSale(sale)
		return &cancelled, nil
	}
	if !sale.CanBeCancelled() {
		return nil, store.ErrInvalidState
	}
	sale.Status = domain.SaleStatusCancelled
	sale.UpdatedAt = time.Now().UTC()
	s.salesByID[id] = cloneSale(sale)
	cancelled := cloneSale(sale)
	return &cancelled, nil
}

// RefundSale reverses a completed sale inside the refund window and restocks
// every line.
func (s *Store) RefundSale(ctx context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !sale.CanBeRefunded(time.Now().UTC()) {
		return nil, store.ErrInvalidState
	}
	for _, item := range sale.Items {
		if err := s.increaseStockLocked(item.ProductID, item.Quantity); err != nil && err != store.ErrNotFound {
			return nil, err
		}
	}
	sale.Status = domain.SaleStatusRefunded
	sale.UpdatedAt = time.Now().UTC()
	s.salesByID[id] = cloneSale(sale)
	refunded := cloneSale(sale)
	return &refunded, nil
}

func (s *Store) decrementAllLocked(items []domain.SaleItem) error {
	for i, item := range items {
		if err := s.decreaseStockLocked(item.ProductID, item.Quantity); err != nil {
			// Undo the lines already taken so the failure leaves stock intact.
			for j := 0; j < i; j++ {
				_ = s.increaseStockLocked(items[j].ProductID, items[j].Quantity)
			}
			return err
		}
	}
	return nil
}

// --- audit ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

// --- clones ---

func cloneUser(src domain.User) domain.User {
	dup := src
	if src.BackupCodeHashes != nil {
		dup.BackupCodeHashes = make([]string, len(src.BackupCodeHashes))
		copy(dup.BackupCodeHashes, src.BackupCodeHashes)
	}
	return dup
}

func cloneDiscount(src domain.Discount) domain.Discount {
	dup := src
	if src.StartsAt != nil {
		t := *src.StartsAt
		dup.StartsAt = &t
	}
	if src.EndsAt != nil {
		t := *src.EndsAt
		dup.EndsAt = &t
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = make([]domain.SaleItem, len(src.Items))
	copy(dup.Items, src.Items)
	for i := range dup.Items {
		if offers := src.Items[i].AppliedOffers; offers != nil {
			dup.Items[i].AppliedOffers = make([]domain.AppliedOffer, len(offers))
			copy(dup.Items[i].AppliedOffers, offers)
		}
	}
	return dup
}
