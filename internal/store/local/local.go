// Package local implements the repository on a durable single-process store:
// every collection lives in memory behind a mutex and is mirrored one-to-one
// as a flat JSON blob file in a data directory. Mutations are applied in
// memory first and committed by atomically rewriting the touched blobs
// (write-to-temp then rename); if the rewrite fails the in-memory state is
// rolled back, so multi-collection units such as checkout behave
// all-or-nothing just like the remote backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

const (
	colProducts   = "products"
	colCategories = "categories"
	colSales      = "sales"
	colSettings   = "settings"
)

type Store struct {
	mu         sync.RWMutex
	dir        string
	products   map[string]domain.Product
	categories map[string]domain.Category
	sales      map[string]*domain.Sale
	settings   domain.Settings
}

// Open loads (or creates) the store rooted at dir. When the products
// collection is observed empty on a fresh directory, default records are
// seeded so a first run starts with a usable catalog.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("local store: data directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create data dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		products:   make(map[string]domain.Product),
		categories: make(map[string]domain.Category),
		sales:      make(map[string]*domain.Sale),
	}

	seeded, err := s.load()
	if err != nil {
		return nil, err
	}
	if seeded {
		s.seedDefaults()
		if err := s.persist(colProducts, colCategories, colSettings); err != nil {
			return nil, err
		}
		log.Printf("[local-store] seeded default catalog in %s", dir)
	}
	return s, nil
}

// load reads every collection blob. It reports whether the store is brand new
// (no products blob on disk) and should be seeded.
func (s *Store) load() (bool, error) {
	fresh := false

	var products []domain.Product
	ok, err := s.readBlob(colProducts, &products)
	if err != nil {
		return false, err
	}
	if !ok {
		fresh = true
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	var categories []domain.Category
	if _, err := s.readBlob(colCategories, &categories); err != nil {
		return false, err
	}
	for _, c := range categories {
		s.categories[c.ID] = c
	}

	var sales []domain.Sale
	if _, err := s.readBlob(colSales, &sales); err != nil {
		return false, err
	}
	for i := range sales {
		sale := sales[i]
		if sale.ReturnedItems == nil {
			sale.ReturnedItems = map[string]int{}
		}
		s.sales[sale.ID] = &sale
	}

	var settings domain.Settings
	if ok, err := s.readBlob(colSettings, &settings); err != nil {
		return false, err
	} else if ok {
		s.settings = settings
	}

	return fresh, nil
}

func (s *Store) seedDefaults() {
	now := time.Now().UTC()
	categories := []domain.Category{
		{ID: xid.New("cat"), Name: "beverage", CreatedAt: now},
		{ID: xid.New("cat"), Name: "grocery", CreatedAt: now},
		{ID: xid.New("cat"), Name: "snack", CreatedAt: now},
		{ID: xid.New("cat"), Name: "household", CreatedAt: now},
	}
	for _, c := range categories {
		s.categories[c.ID] = c
	}

	products := []domain.Product{
		{ID: xid.New("prod"), SKU: "SKU-COFFEE-01", Name: "Ground Coffee 250g", Category: "beverage", CostCents: 450, PriceCents: 799, Stock: 60},
		{ID: xid.New("prod"), SKU: "SKU-TEA-01", Name: "Black Tea 20ct", Category: "beverage", CostCents: 210, PriceCents: 399, Stock: 80},
		{ID: xid.New("prod"), SKU: "SKU-WATER-01", Name: "Spring Water 600ml", Category: "beverage", CostCents: 35, PriceCents: 99, Stock: 200},
		{ID: xid.New("prod"), SKU: "SKU-RICE-01", Name: "Jasmine Rice 1kg", Category: "grocery", CostCents: 180, PriceCents: 349, Stock: 90},
		{ID: xid.New("prod"), SKU: "SKU-EGGS-01", Name: "Eggs Dozen", Category: "grocery", CostCents: 220, PriceCents: 429, Stock: 70},
		{ID: xid.New("prod"), SKU: "SKU-SUGAR-01", Name: "Cane Sugar 1kg", Category: "grocery", CostCents: 120, PriceCents: 249, Stock: 100},
		{ID: xid.New("prod"), SKU: "SKU-CHIPS-01", Name: "Potato Chips", Category: "snack", CostCents: 95, PriceCents: 229, Stock: 120},
		{ID: xid.New("prod"), SKU: "SKU-CHOC-01", Name: "Chocolate Bar", Category: "snack", CostCents: 80, PriceCents: 189, Stock: 120},
		{ID: xid.New("prod"), SKU: "SKU-SOAP-01", Name: "Bath Soap", Category: "household", CostCents: 60, PriceCents: 149, Stock: 110},
		{ID: xid.New("prod"), SKU: "SKU-DETERGENT-01", Name: "Laundry Detergent 800g", Category: "household", CostCents: 310, PriceCents: 599, Stock: 50},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	s.settings = domain.Settings{
		StoreName:       "Main Street Market",
		CurrencyCode:    "USD",
		TaxRatePercent:  8,
		DiscountPercent: 0,
		UpdatedAt:       now,
	}
}

func (s *Store) blobPath(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *Store) readBlob(collection string, dest any) (bool, error) {
	raw, err := os.ReadFile(s.blobPath(collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("local store: read %s: %w", collection, err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("local store: decode %s: %w", collection, err)
	}
	return true, nil
}

// persist rewrites the blobs for the given collections. Caller must hold the
// write lock. Each blob is written to a temp file and renamed into place so a
// crash mid-write never leaves a torn file.
func (s *Store) persist(collections ...string) error {
	for _, collection := range collections {
		var payload any
		switch collection {
		case colProducts:
			list := make([]domain.Product, 0, len(s.products))
			for _, p := range s.products {
				list = append(list, p)
			}
			slices.SortFunc(list, func(a, b domain.Product) int { return cmpString(a.ID, b.ID) })
			payload = list
		case colCategories:
			list := make([]domain.Category, 0, len(s.categories))
			for _, c := range s.categories {
				list = append(list, c)
			}
			slices.SortFunc(list, func(a, b domain.Category) int { return cmpString(a.ID, b.ID) })
			payload = list
		case colSales:
			list := make([]domain.Sale, 0, len(s.sales))
			for _, sale := range s.sales {
				list = append(list, *cloneSale(sale))
			}
			slices.SortFunc(list, func(a, b domain.Sale) int { return cmpString(a.ID, b.ID) })
			payload = list
		case colSettings:
			payload = s.settings
		default:
			return fmt.Errorf("local store: unknown collection %q", collection)
		}

		raw, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("local store: encode %s: %w", collection, err)
		}
		tmp := s.blobPath(collection) + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return fmt.Errorf("local store: write %s: %w", collection, err)
		}
		if err := os.Rename(tmp, s.blobPath(collection)); err != nil {
			return fmt.Errorf("local store: commit %s: %w", collection, err)
		}
	}
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if product.Stock < 0 || product.CostCents < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidSale
	}
	for _, existing := range s.products {
		if existing.SKU != "" && existing.SKU == product.SKU {
			return nil, store.ErrInvalidSale
		}
	}

	s.products[product.ID] = product
	if err := s.persist(colProducts); err != nil {
		delete(s.products, product.ID)
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	// Stock is owned by checkout/return/audit, never by catalog updates.
	product.Stock = previous.Stock

	s.products[product.ID] = product
	if err := s.persist(colProducts); err != nil {
		s.products[product.ID] = previous
		return nil, err
	}
	updated := product
	return &updated, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int { return cmpString(a.Name, b.Name) })
	return categories, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.categories {
		if strings.EqualFold(existing.Name, category.Name) {
			return nil, store.ErrInvalidSale
		}
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	s.categories[category.ID] = category
	if err := s.persist(colCategories); err != nil {
		delete(s.categories, category.ID)
		return nil, err
	}
	created := category
	return &created, nil
}

func (s *Store) GetStock(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return 0, store.ErrNotFound
	}
	return product.Stock, nil
}

func (s *Store) SetStock(_ context.Context, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	product := previous
	product.Stock = qty

	s.products[productID] = product
	if err := s.persist(colProducts); err != nil {
		s.products[productID] = previous
		return err
	}
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.ErrInvalidSale
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	if sale.ReturnedItems == nil {
		sale.ReturnedItems = map[string]int{}
	}

	// Validate every line against current stock before staging anything,
	// so an insufficient line rejects the whole unit.
	need := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		need[line.ProductID] += line.Qty
	}
	previousProducts := make(map[string]domain.Product, len(need))
	for id, qty := range need {
		product, exists := s.products[id]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if product.Stock < qty {
			return nil, store.ErrInsufficientStock
		}
		previousProducts[id] = product
	}
	for id, qty := range need {
		staged := s.products[id]
		staged.Stock -= qty
		s.products[id] = staged
	}

	s.sales[sale.ID] = cloneSale(&sale)
	if err := s.persist(colProducts, colSales); err != nil {
		for id, prev := range previousProducts {
			s.products[id] = prev
		}
		delete(s.sales, sale.ID)
		return nil, err
	}
	return cloneSale(s.sales[sale.ID]), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ApplyReturn(_ context.Context, saleID string, items map[string]int) (*domain.Sale, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}

	sold := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		sold[line.ProductID] += line.Qty
	}

	// The per-line ceiling is checked against the live cumulative map under
	// the lock; callers pass only this request's quantities.
	previousProducts := make(map[string]domain.Product, len(items))
	for id, qty := range items {
		if qty < 1 {
			return nil, store.ErrInvalidSale
		}
		soldQty, wasSold := sold[id]
		if !wasSold {
			return nil, fmt.Errorf("product %s not on sale %s: %w", id, saleID, store.ErrInvalidSale)
		}
		if sale.ReturnedItems[id]+qty > soldQty {
			return nil, fmt.Errorf("return of %d exceeds sold qty for %s: %w", qty, id, store.ErrInvalidSale)
		}
		product, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		previousProducts[id] = product
	}

	previousSale := cloneSale(sale)
	for id, qty := range items {
		staged := s.products[id]
		staged.Stock += qty
		s.products[id] = staged
		sale.ReturnedItems[id] += qty
	}

	sale.Status = domain.SaleStatusRefunded
	for id, soldQty := range sold {
		if sale.ReturnedItems[id] < soldQty {
			sale.Status = domain.SaleStatusPartial
			break
		}
	}

	if err := s.persist(colProducts, colSales); err != nil {
		s.sales[saleID] = previousSale
		for id, prev := range previousProducts {
			s.products[id] = prev
		}
		return nil, err
	}
	return cloneSale(sale), nil
}

func (s *Store) GetSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings := s.settings
	return &settings, nil
}

func (s *Store) UpdateSettings(_ context.Context, settings domain.Settings) (*domain.Settings, error) {
	if strings.TrimSpace(settings.StoreName) == "" {
		return nil, store.ErrInvalidSale
	}
	if settings.TaxRatePercent < 0 || settings.TaxRatePercent > 100 {
		return nil, store.ErrInvalidSale
	}
	if settings.DiscountPercent < 0 || settings.DiscountPercent > 100 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.settings
	settings.UpdatedAt = time.Now().UTC()
	s.settings = settings
	if err := s.persist(colSettings); err != nil {
		s.settings = previous
		return nil, err
	}
	updated := settings
	return &updated, nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	returned := make(map[string]int, len(src.ReturnedItems))
	for id, qty := range src.ReturnedItems {
		returned[id] = qty
	}
	dup.ReturnedItems = returned
	return &dup
}
