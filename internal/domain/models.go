package domain

import "time"

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	PaymentCash          = "cash"
	PaymentCreditCard    = "credit_card"
	PaymentDebitCard     = "debit_card"
	PaymentDigitalWallet = "digital_wallet"
)

const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
)

const (
	StockStatusIn  = "in_stock"
	StockStatusLow = "low_stock"
	StockStatusOut = "out_of_stock"
)

const (
	TwoFactorMethodTOTP = "totp"
	TwoFactorMethodSMS  = "sms"
)

// RefundWindow is how long after creation a completed sale stays refundable.
const RefundWindow = 30 * 24 * time.Hour

// User is the internal persistence model for accounts. Password and backup
// codes are stored as bcrypt hashes; plain values never leave the auth
// package.
type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	FirstName          string
	LastName           string
	Role               string
	Active             bool
	ConfirmedAt        *time.Time
	FailedAttempts     int
	LockedAt           *time.Time
	UnlockToken        string
	TwoFactorEnabled   bool
	TwoFactorSecret    string
	BackupCodeHashes   []string
	PhoneNumber        string
	PhoneVerifiedAt    *time.Time
	SMSEnabled         bool
	SMSCode            string
	SMSCodeExpiresAt   *time.Time
	SessionToken       string
	PasswordChangedAt  *time.Time
	MustChangePassword bool
	SignInCount        int
	CurrentSignInAt    *time.Time
	LastSignInAt       *time.Time
	CreatedAt          time.Time
}

func (u User) FullName() string {
	return u.FirstName + " " + u.LastName
}

func (u User) Confirmed() bool {
	return u.ConfirmedAt != nil
}

// PublicUser is the JSON shape returned by auth endpoints.
type PublicUser struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	FullName         string `json:"full_name"`
	Role             string `json:"role"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		FullName:         u.FullName(),
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}

type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	SKU               string    `json:"sku"`
	Price             float64   `json:"price"`
	Category          string    `json:"category"`
	StockQuantity     int       `json:"stock_quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

func (p Product) OutOfStock() bool {
	return p.StockQuantity == 0
}

func (p Product) LowStock() bool {
	return p.StockQuantity > 0 && p.StockQuantity <= p.LowStockThreshold
}

func (p Product) StockStatus() string {
	switch {
	case p.OutOfStock():
		return StockStatusOut
	case p.LowStock():
		return StockStatusLow
	default:
		return StockStatusIn
	}
}

// CanSell reports whether qty units can be sold right now. The store layer
// re-checks this atomically when stock is actually decremented.
func (p Product) CanSell(qty int) bool {
	return p.Active && p.StockQuantity >= qty
}

type Customer struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Customer) FullName() string {
	return c.FirstName + " " + c.LastName
}

type Discount struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Type          string     `json:"discount_type"`
	Value         float64    `json:"discount_value"`
	MinimumAmount float64    `json:"minimum_amount"`
	Active        bool       `json:"active"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Current reports whether the discount's date window contains now. Open
// bounds are treated as unbounded.
func (d Discount) Current(now time.Time) bool {
	if d.StartsAt != nil && d.StartsAt.After(now) {
		return false
	}
	if d.EndsAt != nil && d.EndsAt.Before(now) {
		return false
	}
	return true
}

// ApplicableTo reports whether the discount can be applied to amount: active,
// inside its date window, and amount at or above the minimum.
func (d Discount) ApplicableTo(amount float64, now time.Time) bool {
	return d.Active && d.Current(now) && amount >= d.MinimumAmount
}

// AppliedOffer is an opaque audit record of a named discount applied to a
// sale line. The effective discount amount lives on the line itself; no
// stacking logic is attached here.
type AppliedOffer struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

type SaleItem struct {
	ID             string         `json:"id"`
	SaleID         string         `json:"sale_id"`
	ProductID      string         `json:"product_id"`
	ProductName    string         `json:"product_name,omitempty"`
	ProductSKU     string         `json:"product_sku,omitempty"`
	Quantity       int            `json:"quantity"`
	UnitPrice      float64        `json:"unit_price"`
	DiscountAmount float64        `json:"discount_amount"`
	LineTotal      float64        `json:"line_total"`
	AppliedOffers  []AppliedOffer `json:"applied_offers,omitempty"`
}

// OriginalTotal is the line value before the per-line discount.
func (i SaleItem) OriginalTotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

type Sale struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	Status         string     `json:"status"`
	PaymentMethod  string     `json:"payment_method"`
	Subtotal       float64    `json:"subtotal"`
	DiscountAmount float64    `json:"discount_amount"`
	TaxAmount      float64    `json:"tax_amount"`
	TotalAmount    float64    `json:"total_amount"`
	Notes          string     `json:"notes,omitempty"`
	Items          []SaleItem `json:"sale_items"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s Sale) Pending() bool   { return s.Status == SaleStatusPending }
func (s Sale) Completed() bool { return s.Status == SaleStatusCompleted }

func (s Sale) CanBeCancelled() bool {
	return s.Pending()
}

func (s Sale) CanBeCompleted() bool {
	return s.Pending() && len(s.Items) > 0
}

func (s Sale) CanBeRefunded(now time.Time) bool {
	return s.Completed() && now.Sub(s.CreatedAt) < RefundWindow
}

func (s Sale) ItemsCount() int {
	count := 0
	for _, item := range s.Items {
		count += item.Quantity
	}
	return count
}

// WalkIn reports whether the sale has no associated customer.
func (s Sale) WalkIn() bool {
	return s.CustomerID == ""
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

func ValidSaleStatus(status string) bool {
	switch status {
	case SaleStatusPending, SaleStatusCompleted, SaleStatusCancelled, SaleStatusRefunded:
		return true
	}
	return false
}

func ValidPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCreditCard, PaymentDebitCard, PaymentDigitalWallet:
		return true
	}
	return false
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}
