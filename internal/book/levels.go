package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// findLevel binary-searches a sorted side for price. It returns the index of
// the match or the insertion point.
func findLevel(levels []domain.PriceLevel, side domain.Side, price decimal.Decimal) (int, bool) {
	i := sort.Search(len(levels), func(i int) bool {
		if side == domain.SideBid {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})
	return i, i < len(levels) && levels[i].Price.Equal(price)
}

// upsertLevel returns a new slice with level applied. The input is never
// modified so readers holding the old slice keep a consistent view.
func upsertLevel(levels []domain.PriceLevel, side domain.Side, level domain.PriceLevel) []domain.PriceLevel {
	i, found := findLevel(levels, side, level.Price)
	switch {
	case found && level.IsRemoval():
		out := make([]domain.PriceLevel, 0, len(levels)-1)
		out = append(out, levels[:i]...)
		return append(out, levels[i+1:]...)
	case found:
		out := append([]domain.PriceLevel(nil), levels...)
		out[i] = level
		return out
	case level.IsRemoval():
		return levels
	default:
		out := make([]domain.PriceLevel, 0, len(levels)+1)
		out = append(out, levels[:i]...)
		out = append(out, level)
		return append(out, levels[i:]...)
	}
}
