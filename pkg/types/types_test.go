package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestVenueSymbolBagSize(t *testing.T) {
	vs := VenueSymbol{
		ContractSize: decimal.NewFromInt(1),
		Multiplier:   decimal.NewFromInt(1000),
	}
	got := vs.BagSize()
	want := decimal.NewFromInt(1000)
	if !got.Equal(want) {
		t.Errorf("BagSize() = %v, want %v", got, want)
	}
}

func TestPositionStatusSignedQty(t *testing.T) {
	long := PositionStatus{Direction: DirectionLong, Qty: decimal.NewFromFloat(2.5)}
	if got := long.SignedQty(); !got.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("long SignedQty() = %v, want 2.5", got)
	}

	short := PositionStatus{Direction: DirectionShort, Qty: decimal.NewFromFloat(2.5)}
	if got := short.SignedQty(); !got.Equal(decimal.NewFromFloat(-2.5)) {
		t.Errorf("short SignedQty() = %v, want -2.5", got)
	}

	flat := PositionStatus{Direction: DirectionShort, Qty: decimal.Zero}
	if got := flat.SignedQty(); !got.IsZero() {
		t.Errorf("flat SignedQty() = %v, want 0", got)
	}
}

func TestOrderBookSnapshotEqual(t *testing.T) {
	a := OrderBookSnapshot{
		Bids: []PriceLevel{{Price: decimal.NewFromFloat(100), Qty: decimal.NewFromFloat(5)}},
		Asks: []PriceLevel{{Price: decimal.NewFromFloat(100.01), Qty: decimal.NewFromFloat(3)}},
	}
	b := a
	b.TsMs = 1234 // timestamp must not affect equality
	if !a.Equal(b) {
		t.Error("Equal() = false for identical book contents with differing timestamp")
	}

	c := a
	c.Bids = []PriceLevel{{Price: decimal.NewFromFloat(99.99), Qty: decimal.NewFromFloat(5)}}
	if a.Equal(c) {
		t.Error("Equal() = true for differing bid price")
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}

	nonTerminal := []OrderStatus{StatusNew, StatusPartiallyFilled}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestVenueKindOtherVenue(t *testing.T) {
	if VenueA.OtherVenue() != VenueB {
		t.Errorf("VenueA.OtherVenue() = %v, want %v", VenueA.OtherVenue(), VenueB)
	}
	if VenueB.OtherVenue() != VenueA {
		t.Errorf("VenueB.OtherVenue() = %v, want %v", VenueB.OtherVenue(), VenueA)
	}
}

func TestMarginInfoUsedRatio(t *testing.T) {
	m := MarginInfo{Used: decimal.NewFromFloat(30), Total: decimal.NewFromFloat(100)}
	if got := m.UsedRatio(); !got.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("UsedRatio() = %v, want 0.3", got)
	}

	empty := MarginInfo{Used: decimal.NewFromFloat(30), Total: decimal.Zero}
	if got := empty.UsedRatio(); !got.IsZero() {
		t.Errorf("UsedRatio() with zero total = %v, want 0", got)
	}
}
