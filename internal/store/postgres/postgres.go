// Package postgres implements the repository on PostgreSQL. Checkout and
// returns run as transactions holding row locks on the records they touch,
// so concurrent terminals cannot oversell or over-return.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

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

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedIfEmpty(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return s, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// seedIfEmpty installs the default catalog and settings on a database that
// has never held a product. Mirrors what the local backend does on a fresh
// data directory.
func (s *Store) seedIfEmpty(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range []string{"beverage", "grocery", "snack", "household"} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO categories (id, name, created_at)
			VALUES ($1,$2,now())
			ON CONFLICT (name) DO NOTHING
		`, xid.New("cat"), name)
		if err != nil {
			return err
		}
	}

	seed := []domain.Product{
		{SKU: "SKU-COFFEE-01", Name: "Ground Coffee 250g", Category: "beverage", CostCents: 450, PriceCents: 799, Stock: 60},
		{SKU: "SKU-TEA-01", Name: "Black Tea 20ct", Category: "beverage", CostCents: 210, PriceCents: 399, Stock: 80},
		{SKU: "SKU-WATER-01", Name: "Spring Water 600ml", Category: "beverage", CostCents: 35, PriceCents: 99, Stock: 200},
		{SKU: "SKU-RICE-01", Name: "Jasmine Rice 1kg", Category: "grocery", CostCents: 180, PriceCents: 349, Stock: 90},
		{SKU: "SKU-EGGS-01", Name: "Eggs Dozen", Category: "grocery", CostCents: 220, PriceCents: 429, Stock: 70},
		{SKU: "SKU-SUGAR-01", Name: "Cane Sugar 1kg", Category: "grocery", CostCents: 120, PriceCents: 249, Stock: 100},
		{SKU: "SKU-CHIPS-01", Name: "Potato Chips", Category: "snack", CostCents: 95, PriceCents: 229, Stock: 120},
		{SKU: "SKU-CHOC-01", Name: "Chocolate Bar", Category: "snack", CostCents: 80, PriceCents: 189, Stock: 120},
		{SKU: "SKU-SOAP-01", Name: "Bath Soap", Category: "household", CostCents: 60, PriceCents: 149, Stock: 110},
		{SKU: "SKU-DETERGENT-01", Name: "Laundry Detergent 800g", Category: "household", CostCents: 310, PriceCents: 599, Stock: 50},
	}
	for _, p := range seed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, sku, name, category, image_url, cost_cents, price_cents, stock, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'',$5,$6,$7,now(),now())
		`, xid.New("prod"), p.SKU, p.Name, p.Category, p.CostCents, p.PriceCents, p.Stock)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settings (id, store_name, currency_code, tax_rate_percent, discount_percent, updated_at)
		VALUES (TRUE, 'Main Street Market', 'USD', 8, 0, now())
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, image_url, cost_cents, price_cents, stock
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.ImageURL, &p.CostCents, &p.PriceCents, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, image_url, cost_cents, price_cents, stock
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.ImageURL, &p.CostCents, &p.PriceCents, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if product.Stock < 0 || product.CostCents < 0 {
		return nil, store.ErrInvalidSale
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, image_url, cost_cents, price_cents, stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
	`, product.ID, product.SKU, product.Name, product.Category, product.ImageURL, product.CostCents, product.PriceCents, product.Stock)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	// Stock is deliberately not in the SET list: it belongs to checkout,
	// returns, and audits.
	var stock int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET sku = $2, name = $3, category = $4, image_url = $5, cost_cents = $6, price_cents = $7, updated_at = now()
		WHERE id = $1
		RETURNING stock
	`, product.ID, product.SKU, product.Name, product.Category, product.ImageURL, product.CostCents, product.PriceCents).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	updated := product
	updated.Stock = stock
	return &updated, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM categories
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, created_at)
		VALUES ($1,$2,$3)
	`, category.ID, category.Name, category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}
	created := category
	return &created, nil
}

func (s *Store) GetStock(ctx context.Context, productID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM products WHERE id = $1
	`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) SetStock(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, updated_at = now()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	need := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		need[line.ProductID] += line.Qty
	}
	ids := make([]string, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}

	// The product-row locks serialize concurrent checkouts of the same
	// stock; a waiter re-reads the committed quantity once it acquires them.
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(ids))
	for stockRows.Next() {
		var id string
		var qty int
		if err := stockRows.Scan(&id, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[id] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for id, qty := range need {
		current, exists := stockMap[id]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if current < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	for id, qty := range need {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, qty, id)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, subtotal_cents, discount_cents, tax_cents, total_cents, payment_method, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.SubtotalCents, sale.DiscountCents, sale.TaxCents, sale.TotalCents, sale.PaymentMethod, sale.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	for _, line := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, sku, name, category, unit_price_cents, qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, line.ProductID, line.SKU, line.Name, line.Category, line.PriceCents, line.Qty)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	if sale.ReturnedItems == nil {
		sale.ReturnedItems = map[string]int{}
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := s.scanSale(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) scanSale(ctx context.Context, q rowQuerier, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := q.QueryRowContext(ctx, `
		SELECT id, subtotal_cents, discount_cents, tax_cents, total_cents, payment_method, status, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.SubtotalCents, &sale.DiscountCents, &sale.TaxCents, &sale.TotalCents, &sale.PaymentMethod, &sale.Status, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	itemRows, err := q.QueryContext(ctx, `
		SELECT product_id, sku, name, category, unit_price_cents, qty
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	items := make([]domain.SaleLine, 0, 8)
	for itemRows.Next() {
		var line domain.SaleLine
		if err := itemRows.Scan(&line.ProductID, &line.SKU, &line.Name, &line.Category, &line.PriceCents, &line.Qty); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()
	sale.Items = items

	returnedRows, err := q.QueryContext(ctx, `
		SELECT product_id, qty
		FROM sale_returns
		WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	returned := make(map[string]int)
	for returnedRows.Next() {
		var productID string
		var qty int
		if err := returnedRows.Scan(&productID, &qty); err != nil {
			_ = returnedRows.Close()
			return nil, err
		}
		returned[productID] = qty
	}
	if err := returnedRows.Err(); err != nil {
		_ = returnedRows.Close()
		return nil, err
	}
	_ = returnedRows.Close()
	sale.ReturnedItems = returned

	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	query := `
		SELECT id
		FROM sales
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
	`
	args := []any{nullTimeArg(from), nullTimeArg(to)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := s.scanSale(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func (s *Store) ApplyReturn(ctx context.Context, saleID string, items map[string]int) (*domain.Sale, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidSale
	}
	for _, qty := range items {
		if qty < 1 {
			return nil, store.ErrInvalidSale
		}
	}

	// Read committed, not serializable: the sale-row lock below is what
	// serializes concurrent returns, and a waiter must see the state the
	// previous holder committed rather than its own older snapshot.
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Concurrent returns against the same sale queue on this lock, so the
	// returned quantities read below are the latest committed state.
	var lockedID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	sale, err := s.scanSale(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}

	sold := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		sold[line.ProductID] += line.Qty
	}
	for productID, qty := range items {
		soldQty, wasSold := sold[productID]
		if !wasSold {
			return nil, fmt.Errorf("product %s not on sale %s: %w", productID, saleID, store.ErrInvalidSale)
		}
		if sale.ReturnedItems[productID]+qty > soldQty {
			return nil, fmt.Errorf("return of %d exceeds sold qty for %s: %w", qty, productID, store.ErrInvalidSale)
		}
	}

	for productID, qty := range items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_returns (sale_id, product_id, qty, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (sale_id, product_id)
			DO UPDATE SET qty = sale_returns.qty + EXCLUDED.qty, updated_at = now()
		`, saleID, productID, qty)
		if err != nil {
			return nil, err
		}
	}

	for productID, qty := range items {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, updated_at = now()
			WHERE id = $2
		`, qty, productID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
		}
	}

	status := domain.SaleStatusRefunded
	for productID, soldQty := range sold {
		if sale.ReturnedItems[productID]+items[productID] < soldQty {
			status = domain.SaleStatusPartial
			break
		}
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales SET status = $2 WHERE id = $1
	`, saleID, status)
	if err != nil {
		return nil, err
	}

	updated, err := s.scanSale(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) GetSettings(ctx context.Context) (*domain.Settings, error) {
	var settings domain.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT store_name, currency_code, tax_rate_percent, discount_percent, updated_at
		FROM settings
		WHERE id = TRUE
	`).Scan(&settings.StoreName, &settings.CurrencyCode, &settings.TaxRatePercent, &settings.DiscountPercent, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return &settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error) {
	if strings.TrimSpace(settings.StoreName) == "" {
		return nil, store.ErrInvalidSale
	}
	if settings.TaxRatePercent < 0 || settings.TaxRatePercent > 100 {
		return nil, store.ErrInvalidSale
	}
	if settings.DiscountPercent < 0 || settings.DiscountPercent > 100 {
		return nil, store.ErrInvalidSale
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO settings (id, store_name, currency_code, tax_rate_percent, discount_percent, updated_at)
		VALUES (TRUE,$1,$2,$3,$4,now())
		ON CONFLICT (id)
		DO UPDATE SET store_name = EXCLUDED.store_name, currency_code = EXCLUDED.currency_code,
			tax_rate_percent = EXCLUDED.tax_rate_percent, discount_percent = EXCLUDED.discount_percent,
			updated_at = now()
		RETURNING store_name, currency_code, tax_rate_percent, discount_percent, updated_at
	`, settings.StoreName, settings.CurrencyCode, settings.TaxRatePercent, settings.DiscountPercent).Scan(
		&settings.StoreName, &settings.CurrencyCode, &settings.TaxRatePercent, &settings.DiscountPercent, &settings.UpdatedAt)
	if err != nil {
		return nil, err
	}
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return &settings, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
