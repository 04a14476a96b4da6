// Package symbol builds the immutable canonical-symbol registry from
// configuration and implements each venue's quantity-alignment rule.
//
// venue-A rounds order quantity down to a whole number of "bags" (contract
// size × multiplier), returning the remainder to the caller — venue-B
// rounds to its native amount precision instead. Both rules come
// from original_source/cross_arbitrage/order/market.py's align_qty.
package symbol

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/pkg/types"
)

// Registry is the static canonical ↔ venue-native symbol table, built once
// at startup and read concurrently thereafter.
type Registry struct {
	symbols map[string]types.Symbol
}

// NewFromConfig builds a Registry from the symbol definitions merged into
// cfg (cross_arbitrage_symbol_datas for the traded set, symbol_name_datas
// for the per-venue native names).
func NewFromConfig(cfg *config.Config) (*Registry, error) {
	reg := &Registry{symbols: make(map[string]types.Symbol, len(cfg.Symbols))}

	for _, sc := range cfg.Symbols {
		entry, ok := cfg.SymbolNames[sc.SymbolName]
		if !ok {
			return nil, fmt.Errorf("symbol %q: no symbol_name_datas entry", sc.SymbolName)
		}

		sym := types.Symbol{
			Canonical: sc.SymbolName,
			Venues:    make(map[types.VenueKind]types.VenueSymbol, 2),
		}

		venueA, err := venueSymbolFromEntry(entry.VenueA)
		if err != nil {
			return nil, fmt.Errorf("symbol %q venue_a: %w", sc.SymbolName, err)
		}
		sym.Venues[types.VenueA] = venueA

		venueB, err := venueSymbolFromEntry(entry.VenueB)
		if err != nil {
			return nil, fmt.Errorf("symbol %q venue_b: %w", sc.SymbolName, err)
		}
		sym.Venues[types.VenueB] = venueB

		reg.symbols[sc.SymbolName] = sym
	}

	return reg, nil
}

func venueSymbolFromEntry(e config.VenueNameOrEntry) (types.VenueSymbol, error) {
	if e.Name == "" {
		return types.VenueSymbol{}, fmt.Errorf("missing native name")
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	return types.VenueSymbol{
		NativeName: e.Name,
		Multiplier: decimal.NewFromFloat(multiplier),
		// ContractSize and Precision start at 1/8 and change only through
		// SetInstrumentInfo; no startup path in this module fetches
		// instrument info or calls it.
		ContractSize: decimal.NewFromInt(1),
		Precision:    8,
	}, nil
}

// Lookup returns the canonical Symbol definition, or ok=false if unknown.
func (r *Registry) Lookup(canonical string) (types.Symbol, bool) {
	s, ok := r.symbols[canonical]
	return s, ok
}

// All returns every registered canonical symbol name.
func (r *Registry) All() []string {
	out := make([]string, 0, len(r.symbols))
	for name := range r.symbols {
		out = append(out, name)
	}
	return out
}

// ReverseLookup finds the canonical symbol whose native name on venue
// matches native, returning its venue-specific conversion factors. Used by
// the venue adapters to translate wire data (market-data symbols, position
// and order-event payloads) back to canonical form.
func (r *Registry) ReverseLookup(venue types.VenueKind, native string) (canonical string, vs types.VenueSymbol, ok bool) {
	for name, sym := range r.symbols {
		v, ok := sym.Venues[venue]
		if ok && v.NativeName == native {
			return name, v, true
		}
	}
	return "", types.VenueSymbol{}, false
}

// SetInstrumentInfo updates a symbol's venue-specific contract size and
// precision. Nothing in the engine's startup calls it, so the defaults set
// by NewFromConfig stay in effect unless a caller supplies the values.
func (r *Registry) SetInstrumentInfo(canonical string, venue types.VenueKind, contractSize decimal.Decimal, precision int32) error {
	sym, ok := r.symbols[canonical]
	if !ok {
		return fmt.Errorf("unknown symbol %q", canonical)
	}
	vs, ok := sym.Venues[venue]
	if !ok {
		return fmt.Errorf("symbol %q has no %s venue mapping", canonical, venue)
	}
	vs.ContractSize = contractSize
	vs.Precision = precision
	sym.Venues[venue] = vs
	return nil
}

// AlignQty splits qty into (alignedQty, remainder) for the given venue's
// native lot-sizing rule. The callers in this module discard the remainder:
// the dispatcher sends only the aligned quantity, and the signal dealer
// recomputes the unhedged amount from the cumulative maker fill each round.
func (r *Registry) AlignQty(canonical string, venue types.VenueKind, qty decimal.Decimal) (aligned, remainder decimal.Decimal, err error) {
	sym, ok := r.symbols[canonical]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown symbol %q", canonical)
	}
	vs, ok := sym.Venues[venue]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("symbol %q has no %s venue mapping", canonical, venue)
	}

	switch venue {
	case types.VenueA:
		return alignByBagSize(qty, vs.BagSize())
	case types.VenueB:
		return alignByPrecision(qty, vs.Multiplier, vs.Precision)
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("align qty: unsupported venue %q", venue)
	}
}

// MinUnit returns the smallest nonzero canonical quantity the given venue
// can place for this symbol: one bag for venue-A, one precision increment
// for venue-B. The aligner uses this to pick which venue absorbs a
// sub-minimum residual (spec.md §4.8 step 4).
func (r *Registry) MinUnit(canonical string, venue types.VenueKind) (decimal.Decimal, error) {
	sym, ok := r.symbols[canonical]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown symbol %q", canonical)
	}
	vs, ok := sym.Venues[venue]
	if !ok {
		return decimal.Zero, fmt.Errorf("symbol %q has no %s venue mapping", canonical, venue)
	}

	switch venue {
	case types.VenueA:
		return vs.BagSize(), nil
	case types.VenueB:
		step := decimal.New(1, -vs.Precision)
		return step.Mul(vs.Multiplier), nil
	default:
		return decimal.Zero, fmt.Errorf("min unit: unsupported venue %q", venue)
	}
}

// alignByBagSize rounds qty down to the nearest whole multiple of bagSize
// (venue-A's "okex-style" contract sizing): aligned = qty - (qty % bagSize).
func alignByBagSize(qty, bagSize decimal.Decimal) (aligned, remainder decimal.Decimal, err error) {
	if bagSize.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("align by bag size: zero bag size")
	}
	remainder = qty.Mod(bagSize)
	aligned = qty.Sub(remainder)
	return aligned, remainder, nil
}

// alignByPrecision truncates qty/multiplier to precision decimal places
// (venue-B's "binance-style" amount_to_precision, which floors rather than
// rounds), then scales back up by multiplier. The remainder is whatever
// that truncation dropped, never negative.
func alignByPrecision(qty, multiplier decimal.Decimal, precision int32) (aligned, remainder decimal.Decimal, err error) {
	if multiplier.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("align by precision: zero multiplier")
	}
	native := qty.Div(multiplier)
	truncatedNative := native.Truncate(precision)
	aligned = truncatedNative.Mul(multiplier)
	remainder = qty.Sub(aligned)
	return aligned, remainder, nil
}
