package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, dir
}

func TestOpenSeedsDefaultCatalog(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) == 0 {
		t.Fatal("expected seeded products on a fresh data dir")
	}
	categories, err := s.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if len(categories) == 0 {
		t.Fatal("expected seeded categories on a fresh data dir")
	}
	settings, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.StoreName == "" {
		t.Fatal("expected seeded settings")
	}

	for _, blob := range []string{"products.json", "categories.json", "settings.json"} {
		if _, err := os.Stat(filepath.Join(dir, blob)); err != nil {
			t.Fatalf("expected %s on disk after seeding: %v", blob, err)
		}
	}
}

func TestOpenDoesNotReseedExistingData(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateProduct(ctx, domain.Product{
		SKU: "SKU-TEST-01", Name: "Test Widget", Category: "grocery", PriceCents: 500, Stock: 3,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	before, _ := s.ListProducts(ctx)

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	after, err := reopened.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts after reopen: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("reopen changed product count: before %d after %d", len(before), len(after))
	}
	got, err := reopened.GetProductByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetProductByID after reopen: %v", err)
	}
	if got.SKU != "SKU-TEST-01" || got.Stock != 3 {
		t.Fatalf("unexpected product after reopen: %+v", got)
	}
}

func TestCreateProductRejectsDuplicateSKU(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-DUP", Name: "A", Category: "snack", PriceCents: 100})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err = s.CreateProduct(ctx, domain.Product{SKU: "SKU-DUP", Name: "B", Category: "snack", PriceCents: 100})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for duplicate sku, got %v", err)
	}
}

func TestUpdateProductDoesNotTouchStock(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-UPD", Name: "Before", Category: "snack", PriceCents: 100, Stock: 7})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	update := *created
	update.Name = "After"
	update.PriceCents = 150
	update.Stock = 999
	updated, err := s.UpdateProduct(ctx, update)
	if err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if updated.Name != "After" || updated.PriceCents != 150 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Stock != 7 {
		t.Fatalf("catalog update must not change stock, got %d", updated.Stock)
	}
}

func TestCreateSaleDecrementsStockAtomically(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-A", Name: "A", Category: "snack", PriceCents: 1850, Stock: 5})
	b, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-B", Name: "B", Category: "snack", PriceCents: 200, Stock: 1})

	sale := domain.Sale{
		Items: []domain.SaleLine{
			{ProductID: a.ID, SKU: a.SKU, Name: a.Name, Category: a.Category, PriceCents: a.PriceCents, Qty: 2},
			{ProductID: b.ID, SKU: b.SKU, Name: b.Name, Category: b.Category, PriceCents: b.PriceCents, Qty: 3},
		},
		SubtotalCents: 4300,
		TotalCents:    4300,
		PaymentMethod: domain.PaymentCash,
	}
	if _, err := s.CreateSale(ctx, sale); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The rejected sale must not have decremented the sufficient line either.
	if qty, _ := s.GetStock(ctx, a.ID); qty != 5 {
		t.Fatalf("stock of A changed by rejected sale: %d", qty)
	}
	if qty, _ := s.GetStock(ctx, b.ID); qty != 1 {
		t.Fatalf("stock of B changed by rejected sale: %d", qty)
	}

	sale.Items[1].Qty = 1
	sale.SubtotalCents = 3900
	sale.TotalCents = 3900
	created, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if created.Status != domain.SaleStatusCompleted {
		t.Fatalf("unexpected status %q", created.Status)
	}
	if qty, _ := s.GetStock(ctx, a.ID); qty != 3 {
		t.Fatalf("expected stock 3 for A, got %d", qty)
	}
	if qty, _ := s.GetStock(ctx, b.ID); qty != 0 {
		t.Fatalf("expected stock 0 for B, got %d", qty)
	}
}

func TestSalesSurviveReopen(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-P", Name: "P", Category: "snack", PriceCents: 1850, Stock: 10})
	created, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 1850, Qty: 2}},
		SubtotalCents: 3700,
		TotalCents:    3700,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetSaleByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSaleByID after reopen: %v", err)
	}
	if got.TotalCents != 3700 || len(got.Items) != 1 || got.Items[0].Qty != 2 {
		t.Fatalf("sale not durable: %+v", got)
	}
	if qty, _ := reopened.GetStock(ctx, p.ID); qty != 8 {
		t.Fatalf("stock decrement not durable, got %d", qty)
	}
}

func TestApplyReturnUpdatesSaleAndRestocks(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-R", Name: "R", Category: "snack", PriceCents: 1850, Stock: 10})
	sale, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 1850, Qty: 2}},
		SubtotalCents: 3700,
		TotalCents:    3700,
		PaymentMethod: domain.PaymentCard,
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	updated, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 1})
	if err != nil {
		t.Fatalf("ApplyReturn: %v", err)
	}
	if updated.Status != domain.SaleStatusPartial {
		t.Fatalf("expected partial status, got %q", updated.Status)
	}
	if updated.ReturnedItems[p.ID] != 1 {
		t.Fatalf("expected returned qty 1, got %d", updated.ReturnedItems[p.ID])
	}
	if qty, _ := s.GetStock(ctx, p.ID); qty != 9 {
		t.Fatalf("expected restocked qty 9, got %d", qty)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("GetSaleByID after reopen: %v", err)
	}
	if got.Status != domain.SaleStatusPartial || got.ReturnedItems[p.ID] != 1 {
		t.Fatalf("return not durable: %+v", got)
	}
}

func TestApplyReturnUnknownSale(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.ApplyReturn(context.Background(), "sale-missing", map[string]int{"prod-x": 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyReturnRejectsOverReturn(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-OV", Name: "OV", Category: "snack", PriceCents: 100, Stock: 10})
	sale, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 100, Qty: 2}},
		SubtotalCents: 200,
		TotalCents:    200,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	if _, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 3}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for over-return, got %v", err)
	}
	if _, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 1}); err != nil {
		t.Fatalf("first return: %v", err)
	}
	if _, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 2}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for cumulative over-return, got %v", err)
	}
	// The rejected calls must not have touched stock.
	if qty, _ := s.GetStock(ctx, p.ID); qty != 9 {
		t.Fatalf("expected stock 9 after one accepted return, got %d", qty)
	}
}

func TestApplyReturnConcurrentCallsStayOnLedger(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	const soldQty = 50
	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-CC", Name: "CC", Category: "snack", PriceCents: 100, Stock: soldQty * 2})
	sale, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 100, Qty: soldQty}},
		SubtotalCents: 100 * soldQty,
		TotalCents:    100 * soldQty,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	// One unit per call, every unit sold: all calls must land, and each one
	// must advance the cumulative map it reads under the lock.
	var wg sync.WaitGroup
	errs := make(chan error, soldQty)
	for i := 0; i < soldQty; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 1}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent return failed: %v", err)
	}

	got, err := s.GetSaleByID(ctx, sale.ID)
	if err != nil {
		t.Fatalf("GetSaleByID: %v", err)
	}
	if got.ReturnedItems[p.ID] != soldQty {
		t.Fatalf("expected cumulative returned %d, got %d", soldQty, got.ReturnedItems[p.ID])
	}
	if got.Status != domain.SaleStatusRefunded {
		t.Fatalf("expected refunded status after full return, got %q", got.Status)
	}
	if qty, _ := s.GetStock(ctx, p.ID); qty != soldQty*2 {
		t.Fatalf("expected stock restored to %d, got %d", soldQty*2, qty)
	}
}

func TestApplyReturnConcurrentCallsCannotExceedSoldQty(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-CX", Name: "CX", Category: "snack", PriceCents: 100, Stock: 20})
	sale, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 100, Qty: 2}},
		SubtotalCents: 200,
		TotalCents:    200,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	// Ten racing single-unit returns against two sold units: exactly two may
	// succeed, the rest must hit the ceiling.
	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyReturn(ctx, sale.ID, map[string]int{p.ID: 1})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, store.ErrInvalidSale):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 2 || rejected.Load() != 8 {
		t.Fatalf("expected 2 accepted / 8 rejected, got %d / %d", accepted.Load(), rejected.Load())
	}
	got, _ := s.GetSaleByID(ctx, sale.ID)
	if got.ReturnedItems[p.ID] != 2 {
		t.Fatalf("cumulative returned drifted from accepted calls: %d", got.ReturnedItems[p.ID])
	}
	if qty, _ := s.GetStock(ctx, p.ID); qty != 20 {
		t.Fatalf("expected stock back to 20, got %d", qty)
	}
}

func TestListSalesWindowAndLimit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-L", Name: "L", Category: "snack", PriceCents: 100, Stock: 100})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := s.CreateSale(ctx, domain.Sale{
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
			Items:         []domain.SaleLine{{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Category: p.Category, PriceCents: 100, Qty: 1}},
			SubtotalCents: 100,
			TotalCents:    100,
			PaymentMethod: domain.PaymentCash,
		})
		if err != nil {
			t.Fatalf("CreateSale %d: %v", i, err)
		}
	}

	windowed, err := s.ListSales(ctx, base.Add(30*time.Minute), base.Add(3*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListSales: %v", err)
	}
	if len(windowed) != 2 {
		t.Fatalf("expected 2 sales in window, got %d", len(windowed))
	}
	if !windowed[0].CreatedAt.After(windowed[1].CreatedAt) {
		t.Fatal("expected newest-first ordering")
	}

	limited, err := s.ListSales(ctx, time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatalf("ListSales limited: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected limit 3, got %d", len(limited))
	}
}

func TestUpdateSettingsValidatesAndPersists(t *testing.T) {
	s, dir := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpdateSettings(ctx, domain.Settings{StoreName: " ", CurrencyCode: "USD"}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for blank store name, got %v", err)
	}
	if _, err := s.UpdateSettings(ctx, domain.Settings{StoreName: "Corner Shop", TaxRatePercent: 120}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for out-of-range tax rate, got %v", err)
	}

	updated, err := s.UpdateSettings(ctx, domain.Settings{
		StoreName: "Corner Shop", CurrencyCode: "EUR", TaxRatePercent: 19, DiscountPercent: 5,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be stamped")
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings after reopen: %v", err)
	}
	if got.StoreName != "Corner Shop" || got.CurrencyCode != "EUR" || got.TaxRatePercent != 19 {
		t.Fatalf("settings not durable: %+v", got)
	}
}

func TestSetStockAbsolute(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProduct(ctx, domain.Product{SKU: "SKU-S", Name: "S", Category: "snack", PriceCents: 100, Stock: 12})
	if err := s.SetStock(ctx, p.ID, 4); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if qty, _ := s.GetStock(ctx, p.ID); qty != 4 {
		t.Fatalf("expected absolute stock 4, got %d", qty)
	}
	if err := s.SetStock(ctx, p.ID, -1); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for negative stock, got %v", err)
	}
	if err := s.SetStock(ctx, "prod-missing", 4); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
