package domain

import "time"

// Actor identifies the authenticated user performing a request. It travels on
// the request context from the HTTP layer into services.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

func (a Actor) Manager() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse has three shapes: a full token response, a two-factor
// challenge, or a forced password change. Exactly one branch is populated.
type LoginResponse struct {
	Token                  string      `json:"token,omitempty"`
	User                   *PublicUser `json:"user,omitempty"`
	RequiresTwoFactor      bool        `json:"requires_two_factor,omitempty"`
	TwoFactorMethods       []string    `json:"two_factor_methods,omitempty"`
	UserID                 string      `json:"user_id,omitempty"`
	RequiresPasswordChange bool        `json:"requires_password_change,omitempty"`
}

type TwoFactorVerifyRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
	Method string `json:"method,omitempty"`
}

// ChangePasswordRequest changes a password. UserID is only consulted on the
// unauthenticated forced-change flow; authenticated calls use the bearer
// identity.
type ChangePasswordRequest struct {
	UserID          string `json:"user_id,omitempty"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type SMSCodeRequest struct {
	UserID string `json:"user_id"`
}

type UnlockRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// TwoFactorSetup is returned when TOTP enrolment starts. The secret and
// provisioning URI are shown once; backup codes are plain only here.
type TwoFactorSetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// SaleItemInput describes one sale line. DiscountAmount and AppliedOffers are
// caller-computed; the server records them on the line without applying any
// selection of its own.
type SaleItemInput struct {
	ProductID      string         `json:"product_id"`
	Quantity       int            `json:"quantity"`
	UnitPrice      float64        `json:"unit_price,omitempty"`
	DiscountAmount float64        `json:"discount_amount,omitempty"`
	AppliedOffers  []AppliedOffer `json:"applied_offers,omitempty"`
}

type SaleCreateRequest struct {
	CustomerID     string          `json:"customer_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	PaymentMethod  string          `json:"payment_method"`
	Notes          string          `json:"notes,omitempty"`
	DiscountAmount *float64        `json:"discount_amount,omitempty"`
	TaxAmount      *float64        `json:"tax_amount,omitempty"`
	Items          []SaleItemInput `json:"sale_items"`
}

// SaleUpdateRequest patches a pending sale. Nil fields are left unchanged;
// a non-nil Items slice replaces the line set wholesale.
type SaleUpdateRequest struct {
	CustomerID     *string          `json:"customer_id,omitempty"`
	PaymentMethod  *string          `json:"payment_method,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	DiscountAmount *float64         `json:"discount_amount,omitempty"`
	TaxAmount      *float64         `json:"tax_amount,omitempty"`
	Items          *[]SaleItemInput `json:"sale_items,omitempty"`
}

type SaleListFilter struct {
	Status        string
	UserID        string
	CustomerID    string
	PaymentMethod string
	From          *time.Time
	To            *time.Time
	Page          int
	PerPage       int
}

type SaleList struct {
	Sales      []Sale `json:"sales"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalCount int    `json:"total_count"`
	TotalPages int    `json:"total_pages"`
}

type SalesStats struct {
	TotalSales   int     `json:"total_sales"`
	TotalRevenue float64 `json:"total_revenue"`
	AverageSale  float64 `json:"average_sale"`
	ItemsSold    int     `json:"items_sold"`
}

type ProductCreateRequest struct {
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	SKU               string  `json:"sku"`
	Price             float64 `json:"price"`
	Category          string  `json:"category"`
	StockQuantity     int     `json:"stock_quantity"`
	LowStockThreshold *int    `json:"low_stock_threshold,omitempty"`
	Active            *bool   `json:"active,omitempty"`
}

type ProductUpdateRequest struct {
	Name              *string  `json:"name,omitempty"`
	Description       *string  `json:"description,omitempty"`
	SKU               *string  `json:"sku,omitempty"`
	Price             *float64 `json:"price,omitempty"`
	Category          *string  `json:"category,omitempty"`
	StockQuantity     *int     `json:"stock_quantity,omitempty"`
	LowStockThreshold *int     `json:"low_stock_threshold,omitempty"`
	Active            *bool    `json:"active,omitempty"`
}

type ProductListFilter struct {
	Category string
	Query    string
	LowStock bool
	Active   *bool
}

type CustomerRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type DiscountCreateRequest struct {
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Type          string     `json:"discount_type"`
	Value         float64    `json:"discount_value"`
	MinimumAmount float64    `json:"minimum_amount,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
}

type DiscountUpdateRequest struct {
	Name          *string    `json:"name,omitempty"`
	Description   *string    `json:"description,omitempty"`
	Type          *string    `json:"discount_type,omitempty"`
	Value         *float64   `json:"discount_value,omitempty"`
	MinimumAmount *float64   `json:"minimum_amount,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
}
