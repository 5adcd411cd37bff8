package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	ImageURL   string `json:"image_url,omitempty"`
	CostCents  int64  `json:"cost_cents"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	ImageURL     string `json:"image_url,omitempty"`
	CostCents    int64  `json:"cost_cents"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	SKU        *string `json:"sku,omitempty"`
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	ImageURL   *string `json:"image_url,omitempty"`
	CostCents  *int64  `json:"cost_cents,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
}

type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type CategoryCreateRequest struct {
	Name string `json:"name"`
}

// CartItem is a product snapshot plus a quantity. It only exists while a sale
// is being assembled and is never persisted standalone.
type CartItem struct {
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Qty        int    `json:"qty"`
}

// SaleLine is the frozen per-item snapshot embedded in a sale. Later catalog
// edits never change it.
type SaleLine struct {
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Qty        int    `json:"qty"`
}

type CheckoutRequest struct {
	Items         []CartItem `json:"items"`
	PaymentMethod string     `json:"payment_method"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TaxCents      int64      `json:"tax_cents"`
	TotalCents    int64      `json:"total_cents"`
}

// Sale is created exactly once by checkout. Status and ReturnedItems are the
// only fields mutated afterwards, exclusively by the return processor.
// ReturnedItems maps product id to the cumulative quantity returned so far.
type Sale struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	Items         []SaleLine     `json:"items"`
	SubtotalCents int64          `json:"subtotal_cents"`
	DiscountCents int64          `json:"discount_cents"`
	TaxCents      int64          `json:"tax_cents"`
	TotalCents    int64          `json:"total_cents"`
	PaymentMethod string         `json:"payment_method"`
	Status        string         `json:"status"`
	ReturnedItems map[string]int `json:"returned_items"`
}

// ReturnRequest carries this call's delta quantities, not cumulative totals.
type ReturnRequest struct {
	SaleID string         `json:"sale_id"`
	Items  map[string]int `json:"items"`
}

type RefundLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

type RefundSummary struct {
	OriginalSaleID string       `json:"original_sale_id"`
	Lines          []RefundLine `json:"lines"`
	TotalCents     int64        `json:"total_cents"`
}

type StockAuditRequest struct {
	Stock int `json:"stock"`
}

type StockAudit struct {
	ProductID   string `json:"product_id"`
	PreviousQty int    `json:"previous_qty"`
	CountedQty  int    `json:"counted_qty"`
	DeltaQty    int    `json:"delta_qty"`
	AdjustedAt  string `json:"adjusted_at"`
}

// Settings is the singleton store-configuration document. The UI computes
// checkout discount and tax from these rates; the core only records the
// resulting amounts on the sale.
type Settings struct {
	StoreName       string    `json:"store_name"`
	CurrencyCode    string    `json:"currency_code"`
	TaxRatePercent  float64   `json:"tax_rate_percent"`
	DiscountPercent float64   `json:"discount_percent"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type SettingsUpdateRequest struct {
	StoreName       *string  `json:"store_name,omitempty"`
	CurrencyCode    *string  `json:"currency_code,omitempty"`
	TaxRatePercent  *float64 `json:"tax_rate_percent,omitempty"`
	DiscountPercent *float64 `json:"discount_percent,omitempty"`
}

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusPartial   = "partial"
	SaleStatusRefunded  = "refunded"
)
