package store

import (
	"context"
	"errors"
	"time"

	"warungpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
)

// Repository is the persistence contract shared by both backends. The concrete
// implementation is chosen once at startup and injected into the components
// that need it.
//
// CreateSale and ApplyReturn are transactional units: the sale write and every
// stock mutation they imply either all take effect or none do, in both
// backends. Stock is mutated only through CreateSale (decrement), ApplyReturn
// (increment) and SetStock (absolute correction by the stock-audit
// collaborator).
//
// ApplyReturn takes the quantities returned by one request. Merging them into
// the sale's cumulative returned map, checking the per-line ceiling against
// what was sold, and deriving the sale status all happen inside the same
// atomic unit as the restock, so concurrent returns against one sale
// serialize instead of clobbering each other's merge.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)

	GetStock(ctx context.Context, productID string) (int, error)
	SetStock(ctx context.Context, productID string, qty int) error

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	ApplyReturn(ctx context.Context, saleID string, items map[string]int) (*domain.Sale, error)

	GetSettings(ctx context.Context) (*domain.Settings, error)
	UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error)
}
