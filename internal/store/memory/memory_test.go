package memory

import (
	"context"
	"errors"
	"testing"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, sku string, stock int) *domain.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), domain.Product{
		Name:          "Product " + sku,
		SKU:           sku,
		Price:         10,
		Category:      "test",
		StockQuantity: stock,
		Active:        true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func seedSale(t *testing.T, s *Store, status string, items ...domain.SaleItem) *domain.Sale {
	t.Helper()
	sale, err := s.CreateSale(context.Background(), domain.Sale{
		UserID:        "usr-test",
		Status:        status,
		PaymentMethod: domain.PaymentCash,
		Items:         items,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func TestProductSKUUnique(t *testing.T) {
	s := New()
	seedProduct(t, s, "WID-01", 5)

	_, err := s.CreateProduct(context.Background(), domain.Product{
		Name: "Dup", SKU: "WID-01", Price: 5, Active: true,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteProductReferencedBySale(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 5)
	seedSale(t, s, domain.SaleStatusPending, domain.SaleItem{ProductID: product.ID, Quantity: 1})

	if err := s.DeleteProduct(ctx, product.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("referenced product delete should conflict, got %v", err)
	}
}

func TestListSalesNewestFirstAndPaginated(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 100)

	var ids []string
	for i := 0; i < 5; i++ {
		sale := seedSale(t, s, domain.SaleStatusPending, domain.SaleItem{ProductID: product.ID, Quantity: 1})
		ids = append(ids, sale.ID)
	}

	page1, total, err := s.ListSales(ctx, domain.SaleListFilter{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(page1) != 2 || page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Fatalf("page 1 should be newest first, got %v", []string{page1[0].ID, page1[1].ID})
	}

	page3, _, err := s.ListSales(ctx, domain.SaleListFilter{Page: 3, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != ids[0] {
		t.Fatalf("page 3 should hold the oldest sale, got %+v", page3)
	}

	empty, _, err := s.ListSales(ctx, domain.SaleListFilter{Page: 4, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("past-the-end page should be empty, got %d sales", len(empty))
	}
}

func TestListSalesStatusFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 100)

	seedSale(t, s, domain.SaleStatusPending, domain.SaleItem{ProductID: product.ID, Quantity: 1})
	completed := seedSale(t, s, domain.SaleStatusCompleted, domain.SaleItem{ProductID: product.ID, Quantity: 1})

	sales, total, err := s.ListSales(ctx, domain.SaleListFilter{Status: domain.SaleStatusCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || sales[0].ID != completed.ID {
		t.Fatalf("expected only the completed sale, got total=%d", total)
	}
}

func TestUpdateSaleRejectsNonPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 100)
	sale := seedSale(t, s, domain.SaleStatusCompleted, domain.SaleItem{ProductID: product.ID, Quantity: 1})

	_, err := s.UpdateSale(ctx, *sale)
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := s.DeleteSale(ctx, sale.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("delete non-pending: expected invalid state, got %v", err)
	}
}

func TestDecreaseStockGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 3)

	if err := s.DecreaseStock(ctx, product.ID, 5); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if err := s.DecreaseStock(ctx, product.ID, 3); err != nil {
		t.Fatalf("exact decrement: %v", err)
	}
	got, _ := s.GetProductByID(ctx, product.ID)
	if got.StockQuantity != 0 {
		t.Fatalf("stock = %d, want 0", got.StockQuantity)
	}

	if err := s.DecreaseStock(ctx, "prd-missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing product: expected not found, got %v", err)
	}
}

func TestGetUserByEmailCaseInsensitive(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, domain.User{
		Email: "clerk@example.com", PasswordHash: "x", Role: domain.RoleEmployee, Active: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	found, err := s.GetUserByEmail(ctx, "CLERK@example.COM")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("found wrong user: %s", found.ID)
	}

	_, err = s.CreateUser(ctx, domain.User{
		Email: "Clerk@Example.com", PasswordHash: "x", Role: domain.RoleEmployee, Active: true,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate email should conflict, got %v", err)
	}
}

func TestClonesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := seedProduct(t, s, "WID-01", 5)
	sale := seedSale(t, s, domain.SaleStatusPending, domain.SaleItem{ProductID: product.ID, Quantity: 1})

	// Mutating a returned sale must not leak into the store.
	sale.Items[0].Quantity = 99
	reloaded, err := s.GetSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Items[0].Quantity != 1 {
		t.Fatalf("store copy mutated through caller, quantity = %d", reloaded.Items[0].Quantity)
	}
}

func TestSeededStoreHasAdminAndCatalog(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if s.SeededAdminID() == "" {
		t.Fatalf("expected seeded admin id")
	}
	admin, err := s.GetUserByID(ctx, s.SeededAdminID())
	if err != nil {
		t.Fatalf("seeded admin: %v", err)
	}
	if admin.Role != domain.RoleAdmin || !admin.Active {
		t.Fatalf("seeded admin should be an active admin, got %+v", admin)
	}

	products, err := s.ListProducts(ctx, domain.ProductListFilter{})
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected demo catalog")
	}
}
