// Package postgres is the production Repository backed by PostgreSQL via the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/store"
	"littlebee/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- users ---

const userColumns = `
	id, email, password_hash, first_name, last_name, role, active,
	confirmed_at, failed_attempts, locked_at, unlock_token,
	two_factor_enabled, two_factor_secret, backup_code_hashes,
	phone_number, phone_verified_at, sms_enabled, sms_code, sms_code_expires_at,
	session_token, password_changed_at, must_change_password,
	sign_in_count, current_sign_in_at, last_sign_in_at, created_at`

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	codes, err := encodeBackupCodes(user.BackupCodeHashes)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, password_hash, first_name, last_name, role, active,
			confirmed_at, failed_attempts, locked_at, unlock_token,
			two_factor_enabled, two_factor_secret, backup_code_hashes,
			phone_number, phone_verified_at, sms_enabled, sms_code, sms_code_expires_at,
			session_token, password_changed_at, must_change_password,
			sign_in_count, current_sign_in_at, last_sign_in_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, user.ID, strings.ToLower(user.Email), user.PasswordHash, user.FirstName, user.LastName,
		user.Role, user.Active, user.ConfirmedAt, user.FailedAttempts, user.LockedAt, user.UnlockToken,
		user.TwoFactorEnabled, user.TwoFactorSecret, codes,
		user.PhoneNumber, user.PhoneVerifiedAt, user.SMSEnabled, user.SMSCode, user.SMSCodeExpiresAt,
		user.SessionToken, user.PasswordChangedAt, user.MustChangePassword,
		user.SignInCount, user.CurrentSignInAt, user.LastSignInAt, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := user
	return &created, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	codes, err := encodeBackupCodes(user.BackupCodeHashes)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = $2, password_hash = $3, first_name = $4, last_name = $5, role = $6, active = $7,
			confirmed_at = $8, failed_attempts = $9, locked_at = $10, unlock_token = $11,
			two_factor_enabled = $12, two_factor_secret = $13, backup_code_hashes = $14,
			phone_number = $15, phone_verified_at = $16, sms_enabled = $17, sms_code = $18, sms_code_expires_at = $19,
			session_token = $20, password_changed_at = $21, must_change_password = $22,
			sign_in_count = $23, current_sign_in_at = $24, last_sign_in_at = $25,
			updated_at = now()
		WHERE id = $1
	`, user.ID, strings.ToLower(user.Email), user.PasswordHash, user.FirstName, user.LastName,
		user.Role, user.Active, user.ConfirmedAt, user.FailedAttempts, user.LockedAt, user.UnlockToken,
		user.TwoFactorEnabled, user.TwoFactorSecret, codes,
		user.PhoneNumber, user.PhoneVerifiedAt, user.SMSEnabled, user.SMSCode, user.SMSCodeExpiresAt,
		user.SessionToken, user.PasswordChangedAt, user.MustChangePassword,
		user.SignInCount, user.CurrentSignInAt, user.LastSignInAt)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := user
	return &updated, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 32)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var user domain.User
	var codes sql.NullString
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName,
		&user.Role, &user.Active,
		&user.ConfirmedAt, &user.FailedAttempts, &user.LockedAt, &user.UnlockToken,
		&user.TwoFactorEnabled, &user.TwoFactorSecret, &codes,
		&user.PhoneNumber, &user.PhoneVerifiedAt, &user.SMSEnabled, &user.SMSCode, &user.SMSCodeExpiresAt,
		&user.SessionToken, &user.PasswordChangedAt, &user.MustChangePassword,
		&user.SignInCount, &user.CurrentSignInAt, &user.LastSignInAt, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if codes.Valid && codes.String != "" {
		if err := json.Unmarshal([]byte(codes.String), &user.BackupCodeHashes); err != nil {
			return nil, fmt.Errorf("decode backup codes for %s: %w", user.ID, err)
		}
	}
	return &user, nil
}

func encodeBackupCodes(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(hashes)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// --- products ---

const productColumns = `id, name, description, sku, price, category, stock_quantity, low_stock_threshold, active, created_at`

func (s *Store) ListProducts(ctx context.Context, filter domain.ProductListFilter) ([]domain.Product, error) {
	var conds []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.LowStock {
		conds = append(conds, "stock_quantity > 0 AND stock_quantity <= low_stock_threshold")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+q+"%")
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR sku ILIKE $%d)", len(args), len(args)))
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Price, &p.Category,
			&p.StockQuantity, &p.LowStockThreshold, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, sku, price, category, stock_quantity, low_stock_threshold, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, product.ID, product.Name, product.Description, product.SKU, product.Price, product.Category,
		product.StockQuantity, product.LowStockThreshold, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProduct(ctx, "id = $1", id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return s.getProduct(ctx, "sku = $1", sku)
}

func (s *Store) getProduct(ctx context.Context, cond string, arg any) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE `+cond, arg).
		Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Price, &p.Category,
			&p.StockQuantity, &p.LowStockThreshold, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET
			name = $2, description = $3, sku = $4, price = $5, category = $6,
			stock_quantity = $7, low_stock_threshold = $8, active = $9, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Description, product.SKU, product.Price, product.Category,
		product.StockQuantity, product.LowStockThreshold, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	var referenced bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sale_items WHERE product_id = $1)`, id).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return store.ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DecreaseStock takes qty units atomically. The conditional update is the
// stock guard: zero rows affected means the product is missing, inactive, or
// short.
func (s *Store) DecreaseStock(ctx context.Context, productID string, qty int) error {
	return decreaseStock(ctx, s.db, productID, qty)
}

func (s *Store) IncreaseStock(ctx context.Context, productID string, qty int) error {
	return increaseStock(ctx, s.db, productID, qty)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func decreaseStock(ctx context.Context, db execer, productID string, qty int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND active = true AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func increaseStock(ctx context.Context, db execer, productID string, qty int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- customers ---

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, email, phone, created_at
		FROM customers
		ORDER BY last_name, first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cst")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, first_name, last_name, email, phone, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, customer.ID, customer.FirstName, customer.LastName, customer.Email, customer.Phone, customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, email, phone, created_at FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET first_name = $2, last_name = $3, email = $4, phone = $5, updated_at = now()
		WHERE id = $1
	`, customer.ID, customer.FirstName, customer.LastName, customer.Email, customer.Phone)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := customer
	return &updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- discounts ---

const discountColumns = `id, name, description, discount_type, discount_value, minimum_amount, active, starts_at, ends_at, created_at`

func (s *Store) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.listDiscounts(ctx, ``)
}

func (s *Store) ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.listDiscounts(ctx, ` WHERE active = true`)
}

func (s *Store) listDiscounts(ctx context.Context, cond string) ([]domain.Discount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+discountColumns+` FROM discounts`+cond+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discounts := make([]domain.Discount, 0, 32)
	for rows.Next() {
		var d domain.Discount
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Value, &d.MinimumAmount,
			&d.Active, &d.StartsAt, &d.EndsAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}
	return discounts, rows.Err()
}

func (s *Store) CreateDiscount(ctx context.Context, d domain.Discount) (*domain.Discount, error) {
	if d.ID == "" {
		d.ID = xid.New("dsc")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discounts (id, name, description, discount_type, discount_value, minimum_amount, active, starts_at, ends_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, d.ID, d.Name, d.Description, d.Type, d.Value, d.MinimumAmount, d.Active, d.StartsAt, d.EndsAt, d.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := d
	return &created, nil
}

func (s *Store) GetDiscountByID(ctx context.Context, id string) (*domain.Discount, error) {
	var d domain.Discount
	err := s.db.QueryRowContext(ctx, `SELECT `+discountColumns+` FROM discounts WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Value, &d.MinimumAmount,
			&d.Active, &d.StartsAt, &d.EndsAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) UpdateDiscount(ctx context.Context, d domain.Discount) (*domain.Discount, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discounts SET
			name = $2, description = $3, discount_type = $4, discount_value = $5,
			minimum_amount = $6, active = $7, starts_at = $8, ends_at = $9, updated_at = now()
		WHERE id = $1
	`, d.ID, d.Name, d.Description, d.Type, d.Value, d.MinimumAmount, d.Active, d.StartsAt, d.EndsAt)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := d
	return &updated, nil
}

func (s *Store) DeleteDiscount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM discounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- sales ---

const saleColumns = `id, user_id, customer_id, status, payment_method, subtotal, discount_amount, tax_amount, total_amount, notes, created_at, updated_at`

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sal")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	sale.UpdatedAt = now

	if sale.Status == domain.SaleStatusCompleted {
		for _, item := range sale.Items {
			if err := decreaseStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return nil, err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, user_id, customer_id, status, payment_method, subtotal, discount_amount, tax_amount, total_amount, notes, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, sale.UserID, sale.CustomerID, sale.Status, sale.PaymentMethod,
		sale.Subtotal, sale.DiscountAmount, sale.TaxAmount, sale.TotalAmount, sale.Notes,
		sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := insertSaleItems(ctx, tx, &sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func insertSaleItems(ctx context.Context, tx *sql.Tx, sale *domain.Sale) error {
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = xid.New("itm")
		}
		item.SaleID = sale.ID
		offers, err := encodeOffers(item.AppliedOffers)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, product_name, product_sku, quantity, unit_price, discount_amount, line_total, applied_offers)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, item.SaleID, item.ProductID, item.ProductName, item.ProductSKU,
			item.Quantity, item.UnitPrice, item.DiscountAmount, item.LineTotal, offers)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}
	items, err := s.loadItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleListFilter) ([]domain.Sale, int, error) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.PaymentMethod != "" {
		add("payment_method = $%d", filter.PaymentMethod)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sales`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 25
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`SELECT `+saleColumns+` FROM sales%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, perPage)
	ids := make([]string, 0, perPage)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, 0, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, total, nil
}

// UpdateSale replaces a pending sale's attributes and line set in one
// transaction. The pending check holds the row lock so a concurrent
// completion cannot interleave.
func (s *Store) UpdateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, sale.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusPending {
		return nil, store.ErrInvalidState
	}

	sale.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET customer_id = NULLIF($2,''), payment_method = $3, subtotal = $4, discount_amount = $5,
			tax_amount = $6, total_amount = $7, notes = $8, updated_at = $9
		WHERE id = $1
	`, sale.ID, sale.CustomerID, sale.PaymentMethod, sale.Subtotal, sale.DiscountAmount,
		sale.TaxAmount, sale.TotalAmount, sale.Notes, sale.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID); err != nil {
		return nil, err
	}
	if err := insertSaleItems(ctx, tx, &sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	updated := sale
	return &updated, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.SaleStatusPending {
		return store.ErrInvalidState
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CompleteSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.transition(ctx, id, func(sale *domain.Sale, tx *sql.Tx) error {
		if !sale.CanBeCompleted() {
			return store.ErrInvalidState
		}
		for _, item := range sale.Items {
			if err := decreaseStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		sale.Status = domain.SaleStatusCompleted
		return nil
	})
}

func (s *Store) CancelSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.transition(ctx, id, func(sale *domain.Sale, tx *sql.Tx) error {
		if sale.Status == domain.SaleStatusCancelled {
			return nil
		}
		if !sale.CanBeCancelled() {
			return store.ErrInvalidState
		}
		sale.Status = domain.SaleStatusCancelled
		return nil
	})
}

func (s *Store) RefundSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.transition(ctx, id, func(sale *domain.Sale, tx *sql.Tx) error {
		if !sale.CanBeRefunded(time.Now().UTC()) {
			return store.ErrInvalidState
		}
		for _, item := range sale.Items {
			if err := increaseStock(ctx, tx, item.ProductID, item.Quantity); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		sale.Status = domain.SaleStatusRefunded
		return nil
	})
}

// transition loads a sale under a row lock, applies fn, and persists the new
// status. fn mutates stock through the same transaction.
func (s *Store) transition(ctx context.Context, id string, fn func(sale *domain.Sale, tx *sql.Tx) error) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}
	items, err := loadItemsTx(ctx, tx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	if err := fn(sale, tx); err != nil {
		return nil, err
	}

	sale.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1`,
		sale.ID, sale.Status, sale.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	err := row.Scan(&sale.ID, &sale.UserID, &customerID, &sale.Status, &sale.PaymentMethod,
		&sale.Subtotal, &sale.DiscountAmount, &sale.TaxAmount, &sale.TotalAmount, &sale.Notes,
		&sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	return &sale, nil
}

const itemColumns = `id, sale_id, product_id, product_name, product_sku, quantity, unit_price, discount_amount, line_total, applied_offers`

func (s *Store) loadItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM sale_items WHERE sale_id = ANY($1) ORDER BY sale_id, id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], *item)
	}
	return result, rows.Err()
}

func loadItemsTx(ctx context.Context, tx *sql.Tx, saleID string) ([]domain.SaleItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*domain.SaleItem, error) {
	var item domain.SaleItem
	var offers sql.NullString
	err := row.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.ProductSKU,
		&item.Quantity, &item.UnitPrice, &item.DiscountAmount, &item.LineTotal, &offers)
	if err != nil {
		return nil, err
	}
	if offers.Valid && offers.String != "" && offers.String != "[]" {
		if err := json.Unmarshal([]byte(offers.String), &item.AppliedOffers); err != nil {
			return nil, fmt.Errorf("decode applied offers for %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

func encodeOffers(offers []domain.AppliedOffer) (string, error) {
	if len(offers) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(offers)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// --- audit ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_email, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorEmail, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_email, action, entity_type, entity_id, detail, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorEmail, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
