// Package service holds the business rules: checkout, returns, stock audits,
// and the catalog and settings operations. All money is in cents.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/feed"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

type Service struct {
	repo store.Repository
	feed feed.Feed
}

func New(repo store.Repository, changeFeed feed.Feed) *Service {
	if changeFeed == nil {
		changeFeed = feed.NoopFeed{}
	}
	return &Service{repo: repo, feed: changeFeed}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.PriceCents < 1 || req.CostCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		ImageURL:   strings.TrimSpace(req.ImageURL),
		CostCents:  req.CostCents,
		PriceCents: req.PriceCents,
		Stock:      req.InitialStock,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.publish(ctx, "products", created.ID, feed.KindCreated)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.SKU != nil {
		updated.SKU = strings.ToUpper(strings.TrimSpace(*req.SKU))
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Category = category
	}
	if req.ImageURL != nil {
		updated.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.CostCents = *req.CostCents
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.PriceCents = *req.PriceCents
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.publish(ctx, "products", saved.ID, feed.KindUpdated)
	return *saved, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	created, err := s.repo.CreateCategory(ctx, domain.Category{Name: strings.TrimSpace(req.Name)})
	if err != nil {
		return domain.Category{}, err
	}
	s.publish(ctx, "categories", created.ID, feed.KindCreated)
	return *created, nil
}

// Checkout records a sale. The cart carries product snapshots taken when the
// items were added; those snapshots are frozen into the sale untouched, even
// if the catalog changed since. Stock is decremented by exactly the sold
// quantities, all lines or none.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("empty cart: %w", store.ErrInvalidSale)
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentCard {
		return domain.Sale{}, fmt.Errorf("payment method %q: %w", req.PaymentMethod, store.ErrInvalidSale)
	}

	var subtotal int64
	lines := make([]domain.SaleLine, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Qty < 1 || item.PriceCents < 0 {
			return domain.Sale{}, store.ErrInvalidSale
		}
		lines = append(lines, domain.SaleLine{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Name:       item.Name,
			Category:   item.Category,
			PriceCents: item.PriceCents,
			Qty:        item.Qty,
		})
		subtotal += item.PriceCents * int64(item.Qty)
	}

	if req.SubtotalCents != subtotal {
		return domain.Sale{}, fmt.Errorf("subtotal mismatch: %w", store.ErrInvalidSale)
	}
	if req.DiscountCents < 0 || req.DiscountCents > subtotal || req.TaxCents < 0 {
		return domain.Sale{}, store.ErrInvalidSale
	}
	if req.TotalCents != subtotal-req.DiscountCents+req.TaxCents {
		return domain.Sale{}, fmt.Errorf("total mismatch: %w", store.ErrInvalidSale)
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		ID:            xid.New("sale"),
		CreatedAt:     time.Now().UTC(),
		Items:         lines,
		SubtotalCents: subtotal,
		DiscountCents: req.DiscountCents,
		TaxCents:      req.TaxCents,
		TotalCents:    req.TotalCents,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.SaleStatusCompleted,
		ReturnedItems: map[string]int{},
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.publish(ctx, "sales", created.ID, feed.KindCreated)
	for _, line := range lines {
		s.publish(ctx, "products", line.ProductID, feed.KindUpdated)
	}
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

// ProcessReturn prices the refund for this call's return quantities at the
// frozen sell prices and hands the quantities to the repository, which folds
// them into the sale's cumulative returned map, enforces the per-line ceiling
// against what was sold, restocks, and derives the sale status inside one
// atomic unit. A quantity that would push any line past what was sold rejects
// the whole request.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.Sale, domain.RefundSummary, error) {
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" || len(req.Items) == 0 {
		return domain.Sale{}, domain.RefundSummary{}, fmt.Errorf("sale id and items required: %w", store.ErrInvalidSale)
	}

	// Line prices and names are frozen at checkout, so pricing from a plain
	// read is exact even while other returns run. The cumulative ceiling is
	// NOT checked here; only the repository sees the live returned map.
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, domain.RefundSummary{}, err
	}

	lineByProduct := make(map[string]domain.SaleLine, len(sale.Items))
	for _, line := range sale.Items {
		if _, ok := lineByProduct[line.ProductID]; !ok {
			lineByProduct[line.ProductID] = line
		}
	}

	refund := domain.RefundSummary{OriginalSaleID: sale.ID}
	for productID, qty := range req.Items {
		if qty < 1 {
			return domain.Sale{}, domain.RefundSummary{}, fmt.Errorf("return qty for %s must be positive: %w", productID, store.ErrInvalidSale)
		}
		line, wasSold := lineByProduct[productID]
		if !wasSold {
			return domain.Sale{}, domain.RefundSummary{}, fmt.Errorf("product %s not on sale %s: %w", productID, sale.ID, store.ErrInvalidSale)
		}
		refund.Lines = append(refund.Lines, domain.RefundLine{
			ProductID:      productID,
			Name:           line.Name,
			UnitPriceCents: line.PriceCents,
			Qty:            qty,
		})
		refund.TotalCents += line.PriceCents * int64(qty)
	}

	if refund.TotalCents <= 0 {
		return domain.Sale{}, domain.RefundSummary{}, fmt.Errorf("refund would be %d cents: %w", refund.TotalCents, store.ErrInvalidSale)
	}

	updated, err := s.repo.ApplyReturn(ctx, sale.ID, req.Items)
	if err != nil {
		return domain.Sale{}, domain.RefundSummary{}, err
	}

	log.Printf("[service] return processed sale=%s status=%s refund_cents=%d", updated.ID, updated.Status, refund.TotalCents)
	s.publish(ctx, "sales", updated.ID, feed.KindUpdated)
	for productID := range req.Items {
		s.publish(ctx, "products", productID, feed.KindUpdated)
	}
	return *updated, refund, nil
}

// AdjustAbsoluteStock records a stock audit: the counted quantity replaces
// the recorded quantity outright.
func (s *Service) AdjustAbsoluteStock(ctx context.Context, productID string, req domain.StockAuditRequest) (domain.StockAudit, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || req.Stock < 0 {
		return domain.StockAudit{}, store.ErrInvalidSale
	}

	previous, err := s.repo.GetStock(ctx, productID)
	if err != nil {
		return domain.StockAudit{}, err
	}
	if err := s.repo.SetStock(ctx, productID, req.Stock); err != nil {
		return domain.StockAudit{}, err
	}

	audit := domain.StockAudit{
		ProductID:   productID,
		PreviousQty: previous,
		CountedQty:  req.Stock,
		DeltaQty:    req.Stock - previous,
		AdjustedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	log.Printf("[service] stock audit product=%s previous=%d counted=%d", productID, previous, req.Stock)
	s.publish(ctx, "products", productID, feed.KindUpdated)
	return audit, nil
}

func (s *Service) GetStock(ctx context.Context, productID string) (int, error) {
	return s.repo.GetStock(ctx, strings.TrimSpace(productID))
}

func (s *Service) GetSettings(ctx context.Context) (domain.Settings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	return *settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (domain.Settings, error) {
	existing, err := s.repo.GetSettings(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Settings{}, err
	}

	updated := domain.Settings{}
	if existing != nil {
		updated = *existing
	}
	if req.StoreName != nil {
		updated.StoreName = strings.TrimSpace(*req.StoreName)
	}
	if req.CurrencyCode != nil {
		updated.CurrencyCode = strings.ToUpper(strings.TrimSpace(*req.CurrencyCode))
	}
	if req.TaxRatePercent != nil {
		updated.TaxRatePercent = *req.TaxRatePercent
	}
	if req.DiscountPercent != nil {
		updated.DiscountPercent = *req.DiscountPercent
	}

	saved, err := s.repo.UpdateSettings(ctx, updated)
	if err != nil {
		return domain.Settings{}, err
	}
	s.publish(ctx, "settings", "settings", feed.KindUpdated)
	return *saved, nil
}

// publish never fails the operation that triggered it; a dead feed only
// costs the notification.
func (s *Service) publish(ctx context.Context, collection string, id string, kind string) {
	event := feed.Event{Collection: collection, ID: id, Kind: kind, At: time.Now().UTC()}
	if err := s.feed.Publish(ctx, event); err != nil {
		log.Printf("[service] WARN: publish %s/%s failed: %v", collection, id, err)
	}
}
