// Package service holds the business rules of the back office: catalog and
// customer management, discount selection, and the sale lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"littlebee/backend/internal/discount"
	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/pricing"
	"littlebee/backend/internal/store"
)

// ErrForbidden marks operations the acting user's role does not allow.
var ErrForbidden = errors.New("forbidden")

// ValidationError carries user-facing field problems for a rejected write.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo          store.Repository
	receiptPrefix string
}

func New(repo store.Repository) *Service {
	return &Service{repo: repo, receiptPrefix: "LB"}
}

// --- products ---

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductListFilter) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, filter)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	var problems []string
	if req.Name == "" {
		problems = append(problems, "name can't be blank")
	}
	if req.SKU == "" {
		problems = append(problems, "sku can't be blank")
	}
	if req.Price <= 0 {
		problems = append(problems, "price must be greater than 0")
	}
	if req.StockQuantity < 0 {
		problems = append(problems, "stock quantity must be greater than or equal to 0")
	}
	if len(problems) > 0 {
		return domain.Product{}, invalid(problems...)
	}

	if _, err := s.repo.GetProductBySKU(ctx, req.SKU); err == nil {
		return domain.Product{}, invalid("sku has already been taken")
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Product{}, err
	}

	threshold := 5
	if req.LowStockThreshold != nil {
		threshold = *req.LowStockThreshold
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:              req.Name,
		Description:       strings.TrimSpace(req.Description),
		SKU:               req.SKU,
		Price:             pricing.Round2(req.Price),
		Category:          req.Category,
		StockQuantity:     req.StockQuantity,
		LowStockThreshold: threshold,
		Active:            active,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s price=%.2f stock=%d", created.SKU, created.Price, created.StockQuantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	if req.Name != nil {
		existing.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		existing.Description = strings.TrimSpace(*req.Description)
	}
	if req.SKU != nil {
		sku := strings.ToUpper(strings.TrimSpace(*req.SKU))
		if sku != existing.SKU {
			if _, err := s.repo.GetProductBySKU(ctx, sku); err == nil {
				return domain.Product{}, invalid("sku has already been taken")
			} else if !errors.Is(err, store.ErrNotFound) {
				return domain.Product{}, err
			}
		}
		existing.SKU = sku
	}
	if req.Price != nil {
		existing.Price = pricing.Round2(*req.Price)
	}
	if req.Category != nil {
		existing.Category = strings.TrimSpace(*req.Category)
	}
	if req.StockQuantity != nil {
		existing.StockQuantity = *req.StockQuantity
	}
	if req.LowStockThreshold != nil {
		existing.LowStockThreshold = *req.LowStockThreshold
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if existing.Name == "" || existing.SKU == "" || existing.Price <= 0 || existing.StockQuantity < 0 {
		return domain.Product{}, invalid("product attributes are invalid")
	}

	updated, err := s.repo.UpdateProduct(ctx, *existing)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_update", "product", updated.ID, "sku="+updated.SKU)
	return *updated, nil
}

// DeleteProduct removes a product from the catalog. Products referenced by
// sale lines are retired instead so historical sales keep resolving.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	err := s.repo.DeleteProduct(ctx, id)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := s.repo.GetProductByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		existing.Active = false
		if _, updErr := s.repo.UpdateProduct(ctx, *existing); updErr != nil {
			return updErr
		}
		s.logAudit(ctx, "product_retire", "product", id, "sku="+existing.SKU)
		return nil
	}
	if err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", id, "")
	return nil
}

// LowStockProducts lists active products at or below their low stock
// threshold.
func (s *Service) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	active := true
	return s.repo.ListProducts(ctx, domain.ProductListFilter{LowStock: true, Active: &active})
}

// --- customers ---

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerRequest) (domain.Customer, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	if req.FirstName == "" || req.LastName == "" {
		return domain.Customer{}, invalid("first name and last name can't be blank")
	}
	if strings.TrimSpace(req.Email) == "" && strings.TrimSpace(req.Phone) == "" {
		return domain.Customer{}, invalid("either email or phone must be present")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:     strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, created.FullName())
	return *created, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerRequest) (domain.Customer, error) {
	existing, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}

	if name := strings.TrimSpace(req.FirstName); name != "" {
		existing.FirstName = name
	}
	if name := strings.TrimSpace(req.LastName); name != "" {
		existing.LastName = name
	}
	if req.Email != "" {
		existing.Email = strings.ToLower(strings.TrimSpace(req.Email))
	}
	if req.Phone != "" {
		existing.Phone = strings.TrimSpace(req.Phone)
	}

	updated, err := s.repo.UpdateCustomer(ctx, *existing)
	if err != nil {
		return domain.Customer{}, err
	}
	return *updated, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "customer_delete", "customer", id, "")
	return nil
}

// --- discounts ---

func (s *Service) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.repo.ListDiscounts(ctx)
}

func (s *Service) GetDiscount(ctx context.Context, id string) (domain.Discount, error) {
	d, err := s.repo.GetDiscountByID(ctx, id)
	if err != nil {
		return domain.Discount{}, err
	}
	return *d, nil
}

func (s *Service) CreateDiscount(ctx context.Context, req domain.DiscountCreateRequest) (domain.Discount, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Discount{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if problems := validateDiscount(req.Name, req.Type, req.Value, req.MinimumAmount, req.StartsAt, req.EndsAt); len(problems) > 0 {
		return domain.Discount{}, invalid(problems...)
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	created, err := s.repo.CreateDiscount(ctx, domain.Discount{
		Name:          req.Name,
		Description:   strings.TrimSpace(req.Description),
		Type:          req.Type,
		Value:         req.Value,
		MinimumAmount: req.MinimumAmount,
		Active:        active,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
	})
	if err != nil {
		return domain.Discount{}, err
	}
	s.logAudit(ctx, "discount_create", "discount", created.ID, fmt.Sprintf("%s %s %.2f", created.Name, created.Type, created.Value))
	return *created, nil
}

func (s *Service) UpdateDiscount(ctx context.Context, id string, req domain.DiscountUpdateRequest) (domain.Discount, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Discount{}, err
	}

	existing, err := s.repo.GetDiscountByID(ctx, id)
	if err != nil {
		return domain.Discount{}, err
	}

	if req.Name != nil {
		existing.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		existing.Description = strings.TrimSpace(*req.Description)
	}
	if req.Type != nil {
		existing.Type = *req.Type
	}
	if req.Value != nil {
		existing.Value = *req.Value
	}
	if req.MinimumAmount != nil {
		existing.MinimumAmount = *req.MinimumAmount
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	if req.StartsAt != nil {
		existing.StartsAt = req.StartsAt
	}
	if req.EndsAt != nil {
		existing.EndsAt = req.EndsAt
	}

	if problems := validateDiscount(existing.Name, existing.Type, existing.Value, existing.MinimumAmount, existing.StartsAt, existing.EndsAt); len(problems) > 0 {
		return domain.Discount{}, invalid(problems...)
	}

	updated, err := s.repo.UpdateDiscount(ctx, *existing)
	if err != nil {
		return domain.Discount{}, err
	}
	s.logAudit(ctx, "discount_update", "discount", updated.ID, updated.Name)
	return *updated, nil
}

func (s *Service) DeleteDiscount(ctx context.Context, id string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteDiscount(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "discount_delete", "discount", id, "")
	return nil
}

// BestDiscountFor returns the active discount yielding the greatest savings
// on amount, or nil when none applies.
func (s *Service) BestDiscountFor(ctx context.Context, amount float64) (*domain.Discount, float64, error) {
	candidates, err := s.repo.ListActiveDiscounts(ctx)
	if err != nil {
		return nil, 0, err
	}
	best := discount.BestFor(candidates, amount, time.Now().UTC())
	if best == nil {
		return nil, 0, nil
	}
	return best, discount.Savings(*best, amount), nil
}

// CalculateDiscount values a specific discount against amount. A discount
// that does not apply values to zero savings.
func (s *Service) CalculateDiscount(ctx context.Context, discountID string, amount float64) (float64, error) {
	d, err := s.repo.GetDiscountByID(ctx, discountID)
	if err != nil {
		return 0, err
	}
	if !d.ApplicableTo(amount, time.Now().UTC()) {
		return 0, nil
	}
	return discount.Savings(*d, amount), nil
}

func validateDiscount(name string, typ string, value float64, minimum float64, startsAt, endsAt *time.Time) []string {
	var problems []string
	if name == "" {
		problems = append(problems, "name can't be blank")
	}
	if typ != domain.DiscountPercentage && typ != domain.DiscountFixedAmount {
		problems = append(problems, "discount type is not included in the list")
	}
	if value <= 0 {
		problems = append(problems, "discount value must be greater than 0")
	}
	if typ == domain.DiscountPercentage && value > 100 {
		problems = append(problems, "discount value must be less than or equal to 100")
	}
	if minimum < 0 {
		problems = append(problems, "minimum amount must be greater than or equal to 0")
	}
	if startsAt != nil && endsAt != nil && !endsAt.After(*startsAt) {
		problems = append(problems, "ends at must be after starts at")
	}
	return problems
}

// --- sales ---

// CreateSale builds a priced sale from line inputs. Lines resolve against
// the catalog, line discounts come from the request, and totals fall back to
// the tier discount and default tax when the request carries no explicit
// amounts. A sale created directly as completed decrements stock atomically.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, ErrForbidden
	}

	status := req.Status
	if status == "" {
		status = domain.SaleStatusPending
	}
	if status != domain.SaleStatusPending && status != domain.SaleStatusCompleted {
		return domain.Sale{}, invalid("status must be pending or completed")
	}
	if !domain.ValidPaymentMethod(req.PaymentMethod) {
		return domain.Sale{}, invalid("payment method is not included in the list")
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, invalid("sale must have at least one item")
	}

	if req.CustomerID != "" {
		if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Sale{}, invalid("customer must exist")
			}
			return domain.Sale{}, err
		}
	}

	items, err := s.buildItems(ctx, req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		UserID:        actor.UserID,
		CustomerID:    req.CustomerID,
		Status:        status,
		PaymentMethod: req.PaymentMethod,
		Notes:         strings.TrimSpace(req.Notes),
		Items:         items,
	}
	applyTotals(&sale, req.DiscountAmount, req.TaxAmount)

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("status=%s total=%.2f items=%d", created.Status, created.TotalAmount, created.ItemsCount()))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleListFilter) (domain.SaleList, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 100 {
		filter.PerPage = 25
	}
	sales, total, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleList{}, err
	}
	pages := (total + filter.PerPage - 1) / filter.PerPage
	if pages < 1 {
		pages = 1
	}
	return domain.SaleList{
		Sales:      sales,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalCount: total,
		TotalPages: pages,
	}, nil
}

// UpdateSale patches a pending sale. A new item set replaces the old one and
// totals are recomputed; explicit amounts on the patch override fallbacks.
func (s *Service) UpdateSale(ctx context.Context, id string, req domain.SaleUpdateRequest) (domain.Sale, error) {
	existing, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	if !existing.Pending() {
		return domain.Sale{}, fmt.Errorf("%w: only pending sales can be modified", store.ErrInvalidState)
	}

	if req.CustomerID != nil {
		if *req.CustomerID != "" {
			if _, err := s.repo.GetCustomerByID(ctx, *req.CustomerID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return domain.Sale{}, invalid("customer must exist")
				}
				return domain.Sale{}, err
			}
		}
		existing.CustomerID = *req.CustomerID
	}
	if req.PaymentMethod != nil {
		if !domain.ValidPaymentMethod(*req.PaymentMethod) {
			return domain.Sale{}, invalid("payment method is not included in the list")
		}
		existing.PaymentMethod = *req.PaymentMethod
	}
	if req.Notes != nil {
		existing.Notes = strings.TrimSpace(*req.Notes)
	}
	if req.Items != nil {
		if len(*req.Items) == 0 {
			return domain.Sale{}, invalid("sale must have at least one item")
		}
		items, err := s.buildItems(ctx, *req.Items)
		if err != nil {
			return domain.Sale{}, err
		}
		existing.Items = items
	}

	applyTotals(existing, req.DiscountAmount, req.TaxAmount)

	updated, err := s.repo.UpdateSale(ctx, *existing)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_update", "sale", updated.ID, fmt.Sprintf("total=%.2f", updated.TotalAmount))
	return *updated, nil
}

func (s *Service) DeleteSale(ctx context.Context, id string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	existing, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return err
	}
	if !existing.Pending() {
		return fmt.Errorf("%w: only pending sales can be deleted", store.ErrInvalidState)
	}
	if err := s.repo.DeleteSale(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "sale_delete", "sale", id, "")
	return nil
}

// CompleteSale finalizes a pending sale, decrementing stock for every line
// atomically. Any line without enough stock fails the whole completion.
func (s *Service) CompleteSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.CompleteSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_complete", "sale", sale.ID, fmt.Sprintf("total=%.2f", sale.TotalAmount))
	return *sale, nil
}

// CancelSale voids a pending sale. Cancelling an already cancelled sale is a
// no-op.
func (s *Service) CancelSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.CancelSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, "")
	return *sale, nil
}

// RefundSale reverses a completed sale within the refund window, returning
// every line's quantity to stock.
func (s *Service) RefundSale(ctx context.Context, id string) (domain.Sale, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.RefundSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_refund", "sale", sale.ID, fmt.Sprintf("total=%.2f", sale.TotalAmount))
	return *sale, nil
}

// AddSaleItem appends a line to a pending sale. A line for the same product
// merges quantities instead of duplicating. All lines are repriced and totals
// recomputed.
func (s *Service) AddSaleItem(ctx context.Context, saleID string, input domain.SaleItemInput) (domain.Sale, error) {
	return s.patchItems(ctx, saleID, func(inputs []domain.SaleItemInput) ([]domain.SaleItemInput, error) {
		for i := range inputs {
			if inputs[i].ProductID == input.ProductID {
				inputs[i].Quantity += input.Quantity
				if input.UnitPrice > 0 {
					inputs[i].UnitPrice = input.UnitPrice
				}
				if input.DiscountAmount > 0 {
					inputs[i].DiscountAmount = input.DiscountAmount
					inputs[i].AppliedOffers = input.AppliedOffers
				}
				return inputs, nil
			}
		}
		return append(inputs, input), nil
	})
}

// UpdateSaleItem changes an existing line's quantity or price.
func (s *Service) UpdateSaleItem(ctx context.Context, saleID string, itemID string, input domain.SaleItemInput) (domain.Sale, error) {
	return s.patchItemsByID(ctx, saleID, itemID, func(inputs []domain.SaleItemInput, idx int) ([]domain.SaleItemInput, error) {
		if input.Quantity > 0 {
			inputs[idx].Quantity = input.Quantity
		}
		if input.UnitPrice > 0 {
			inputs[idx].UnitPrice = input.UnitPrice
		}
		if input.DiscountAmount > 0 {
			inputs[idx].DiscountAmount = input.DiscountAmount
			inputs[idx].AppliedOffers = input.AppliedOffers
		}
		return inputs, nil
	})
}

// RemoveSaleItem drops a line from a pending sale.
func (s *Service) RemoveSaleItem(ctx context.Context, saleID string, itemID string) (domain.Sale, error) {
	return s.patchItemsByID(ctx, saleID, itemID, func(inputs []domain.SaleItemInput, idx int) ([]domain.SaleItemInput, error) {
		return append(inputs[:idx], inputs[idx+1:]...), nil
	})
}

func (s *Service) patchItemsByID(ctx context.Context, saleID string, itemID string, fn func(inputs []domain.SaleItemInput, idx int) ([]domain.SaleItemInput, error)) (domain.Sale, error) {
	var targetIdx = -1
	return s.patchItems(ctx, saleID, func(inputs []domain.SaleItemInput) ([]domain.SaleItemInput, error) {
		if targetIdx < 0 {
			return nil, store.ErrNotFound
		}
		return fn(inputs, targetIdx)
	}, func(items []domain.SaleItem) {
		for i, item := range items {
			if item.ID == itemID {
				targetIdx = i
				return
			}
		}
	})
}

// patchItems rebuilds a pending sale's line set: existing lines are lowered
// to inputs, mutated by fn, then fully repriced like a fresh sale.
func (s *Service) patchItems(ctx context.Context, saleID string, fn func(inputs []domain.SaleItemInput) ([]domain.SaleItemInput, error), observers ...func(items []domain.SaleItem)) (domain.Sale, error) {
	existing, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !existing.Pending() {
		return domain.Sale{}, fmt.Errorf("%w: only pending sales can be modified", store.ErrInvalidState)
	}
	for _, observe := range observers {
		observe(existing.Items)
	}

	inputs := make([]domain.SaleItemInput, 0, len(existing.Items))
	for _, item := range existing.Items {
		inputs = append(inputs, domain.SaleItemInput{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DiscountAmount: item.DiscountAmount,
			AppliedOffers:  item.AppliedOffers,
		})
	}
	inputs, err = fn(inputs)
	if err != nil {
		return domain.Sale{}, err
	}

	items, err := s.buildItems(ctx, inputs)
	if err != nil {
		return domain.Sale{}, err
	}
	existing.Items = items
	applyTotals(existing, nil, nil)

	updated, err := s.repo.UpdateSale(ctx, *existing)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_items_update", "sale", updated.ID, fmt.Sprintf("lines=%d total=%.2f", len(updated.Items), updated.TotalAmount))
	return *updated, nil
}

// Receipt is the printable summary of a completed sale.
type Receipt struct {
	ReceiptNumber string      `json:"receipt_number"`
	Sale          domain.Sale `json:"sale"`
}

func (s *Service) SaleReceipt(ctx context.Context, id string) (Receipt, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if !sale.Completed() {
		return Receipt{}, fmt.Errorf("%w: receipts are only available for completed sales", store.ErrInvalidState)
	}
	return Receipt{ReceiptNumber: s.receiptNumber(*sale), Sale: *sale}, nil
}

// receiptNumber is the creation date plus a short stable suffix from the
// sale id, e.g. LB20260901A3F2K9.
func (s *Service) receiptNumber(sale domain.Sale) string {
	suffix := sale.ID
	if i := strings.LastIndex(suffix, "-"); i >= 0 {
		suffix = suffix[i+1:]
	}
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return s.receiptPrefix + sale.CreatedAt.Format("20060102") + strings.ToUpper(suffix)
}

// SalesStats summarizes completed sales in the filter's range.
func (s *Service) SalesStats(ctx context.Context, filter domain.SaleListFilter) (domain.SalesStats, error) {
	filter.Status = domain.SaleStatusCompleted
	filter.Page = 1
	filter.PerPage = 100

	stats := domain.SalesStats{}
	for {
		sales, total, err := s.repo.ListSales(ctx, filter)
		if err != nil {
			return domain.SalesStats{}, err
		}
		for _, sale := range sales {
			stats.TotalSales++
			stats.TotalRevenue += sale.TotalAmount
			stats.ItemsSold += sale.ItemsCount()
		}
		if filter.Page*filter.PerPage >= total || len(sales) == 0 {
			break
		}
		filter.Page++
	}
	stats.TotalRevenue = pricing.Round2(stats.TotalRevenue)
	if stats.TotalSales > 0 {
		stats.AverageSale = pricing.Round2(stats.TotalRevenue / float64(stats.TotalSales))
	}
	return stats, nil
}

// --- audit ---

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireManager(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// logAudit records an audit entry best-effort. Audit failures never fail the
// underlying operation.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorID:    actor.UserID,
		ActorEmail: actor.Email,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// --- helpers ---

// buildItems resolves line inputs against the catalog and prices each line.
// A line discount is taken from the input as-is, capped at the line value;
// the server never picks discounts on its own.
func (s *Service) buildItems(ctx context.Context, inputs []domain.SaleItemInput) ([]domain.SaleItem, error) {
	items := make([]domain.SaleItem, 0, len(inputs))
	for _, input := range inputs {
		if input.Quantity <= 0 {
			return nil, invalid("quantity must be greater than 0")
		}
		product, err := s.repo.GetProductByID(ctx, input.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("product must exist")
			}
			return nil, err
		}
		if !product.Active {
			return nil, invalid(fmt.Sprintf("%s is no longer available", product.Name))
		}
		if !product.CanSell(input.Quantity) {
			return nil, fmt.Errorf("%w: insufficient stock for %s: requested %d exceeds available stock (%d available)",
				store.ErrInsufficientStock, product.Name, input.Quantity, product.StockQuantity)
		}

		unitPrice := product.Price
		if input.UnitPrice > 0 {
			unitPrice = pricing.Round2(input.UnitPrice)
		}

		original := pricing.Round2(float64(input.Quantity) * unitPrice)
		discountAmount := 0.0
		if input.DiscountAmount > 0 {
			discountAmount = pricing.Round2(input.DiscountAmount)
			if discountAmount > original {
				discountAmount = original
			}
		}
		item := domain.SaleItem{
			ProductID:      product.ID,
			ProductName:    product.Name,
			ProductSKU:     product.SKU,
			Quantity:       input.Quantity,
			UnitPrice:      unitPrice,
			DiscountAmount: discountAmount,
			LineTotal:      pricing.Round2(original - discountAmount),
		}
		if len(input.AppliedOffers) > 0 {
			item.AppliedOffers = append([]domain.AppliedOffer(nil), input.AppliedOffers...)
		}
		items = append(items, item)
	}
	return items, nil
}

// applyTotals recomputes a sale's money summary from its lines. The subtotal
// is the pre-discount line value (quantity times unit price) summed over all
// lines; explicit amounts override the tier discount and default tax only
// when positive.
func applyTotals(sale *domain.Sale, explicitDiscount, explicitTax *float64) {
	lineTotals := make([]float64, 0, len(sale.Items))
	for _, item := range sale.Items {
		lineTotals = append(lineTotals, item.OriginalTotal())
	}

	// A patch without explicit amounts keeps previously set explicit values
	// only if they survive as positive numbers through the fallback rule.
	if explicitDiscount == nil && sale.DiscountAmount > 0 {
		explicitDiscount = &sale.DiscountAmount
	}
	if explicitTax == nil && sale.TaxAmount > 0 {
		explicitTax = &sale.TaxAmount
	}

	totals := pricing.Compute(lineTotals, explicitDiscount, explicitTax)
	sale.Subtotal = totals.Subtotal
	sale.DiscountAmount = totals.Discount
	sale.TaxAmount = totals.Tax
	sale.TotalAmount = totals.Total
}

// VerifySaleTotals re-derives a sale's totals from its lines and reports
// disagreements beyond the cent tolerance. The subtotal must equal the
// pre-discount sum of quantity times unit price.
func VerifySaleTotals(sale domain.Sale) error {
	sum := 0.0
	for _, item := range sale.Items {
		expected := pricing.LineTotal(item.Quantity, item.UnitPrice, item.DiscountAmount)
		if math.Abs(expected-item.LineTotal) > 0.01 {
			return fmt.Errorf("line total mismatch for %s: have %.2f want %.2f", item.ProductID, item.LineTotal, expected)
		}
		sum += item.OriginalTotal()
	}
	if !pricing.WithinTolerance(pricing.Round2(sum), sale.Subtotal) {
		return fmt.Errorf("subtotal mismatch: have %.2f want %.2f", sale.Subtotal, pricing.Round2(sum))
	}
	expectedTotal := pricing.Round2(sale.Subtotal + sale.TaxAmount - sale.DiscountAmount)
	if !pricing.WithinTolerance(expectedTotal, sale.TotalAmount) {
		return fmt.Errorf("total mismatch: have %.2f want %.2f", sale.TotalAmount, expectedTotal)
	}
	return nil
}

func requireManager(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.Manager() {
		return fmt.Errorf("%w: manager role required", ErrForbidden)
	}
	return nil
}
