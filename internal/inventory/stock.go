package inventory

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/store"
)

// TakeStock decrements stock for every SKU in want. All quantities are
// checked before any row is written; one short SKU fails the whole call with
// domain.ErrInsufficientStock.
func TakeStock(ctx context.Context, tx store.StockTx, want map[string]int) error {
	if len(want) == 0 {
		return nil
	}
	skus := sortedSKUs(want)
	for _, sku := range skus {
		if want[sku] < 1 {
			return errors.Wrapf(domain.ErrInvalidQuantity, "quantity of %s must be at least 1, got %d", sku, want[sku])
		}
	}

	have, err := tx.LockStock(ctx, skus)
	if err != nil {
		return err
	}
	for _, sku := range skus {
		cur, ok := have[sku]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "sku %s has no stock record", sku)
		}
		if cur < want[sku] {
			return errors.Wrapf(domain.ErrInsufficientStock, "sku %s: requested %d, available %d", sku, want[sku], cur)
		}
	}
	for _, sku := range skus {
		if err := tx.SetStock(ctx, sku, have[sku]-want[sku]); err != nil {
			return err
		}
	}
	return nil
}

// ReturnStock adds quantities back to stock.
func ReturnStock(ctx context.Context, tx store.StockTx, give map[string]int) error {
	if len(give) == 0 {
		return nil
	}
	skus := sortedSKUs(give)
	have, err := tx.LockStock(ctx, skus)
	if err != nil {
		return err
	}
	for _, sku := range skus {
		cur, ok := have[sku]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "sku %s has no stock record", sku)
		}
		if give[sku] < 0 {
			return errors.Wrapf(domain.ErrInvalidQuantity, "cannot return %d of %s", give[sku], sku)
		}
		if err := tx.SetStock(ctx, sku, cur+give[sku]); err != nil {
			return err
		}
	}
	return nil
}

// Quantities sums line quantities per SKU.
func Quantities(lines []domain.LineItem) map[string]int {
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		out[l.Ref] += l.Quantity
	}
	return out
}

// Rows are locked in SKU order so concurrent checkouts never deadlock.
func sortedSKUs(m map[string]int) []string {
	skus := make([]string, 0, len(m))
	for sku := range m {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}
