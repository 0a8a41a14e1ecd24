package orderbook

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBookApply(t *testing.T) {
	tests := []struct {
		name    string
		ops     [][2]string
		wantLen int
	}{
		{
			name:    "insert",
			ops:     [][2]string{{"100", "1"}, {"101", "2"}},
			wantLen: 2,
		},
		{
			name:    "overwrite same price",
			ops:     [][2]string{{"100", "1"}, {"100", "5"}},
			wantLen: 1,
		},
		{
			name:    "equal prices with different exponents share a level",
			ops:     [][2]string{{"100", "1"}, {"100.00", "5"}},
			wantLen: 1,
		},
		{
			name:    "delete absent price is a no-op",
			ops:     [][2]string{{"100", "0"}},
			wantLen: 0,
		},
		{
			name:    "insert then delete",
			ops:     [][2]string{{"100", "1"}, {"100", "0.000"}},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := NewBook(types.Bid)
			for _, op := range tt.ops {
				book.Apply(d(op[0]), d(op[1]))
			}
			if book.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", book.Len(), tt.wantLen)
			}
		})
	}
}

func TestBookApplyReportsChange(t *testing.T) {
	book := NewBook(types.Ask)
	if book.Apply(d("100"), decimal.Zero) {
		t.Error("deleting an absent price should report no change")
	}
	if !book.Apply(d("100"), d("1")) {
		t.Error("insert should report a change")
	}
	if !book.Apply(d("100"), decimal.Zero) {
		t.Error("delete should report a change")
	}
	if book.Len() != 0 {
		t.Error("price should be gone after delete")
	}
}

func TestBookLevelsOrdering(t *testing.T) {
	prices := []string{"100.5", "99", "101", "100", "98.25", "102"}

	bids := NewBook(types.Bid)
	asks := NewBook(types.Ask)
	for i, p := range prices {
		q := decimal.NewFromInt(int64(i + 1))
		bids.Apply(d(p), q)
		asks.Apply(d(p), q)
	}

	gotBids := bids.Levels(0)
	for i := 1; i < len(gotBids); i++ {
		if !gotBids[i-1].Price.GreaterThan(gotBids[i].Price) {
			t.Fatalf("bids not descending at %d: %s then %s", i, gotBids[i-1].Price, gotBids[i].Price)
		}
	}
	gotAsks := asks.Levels(0)
	for i := 1; i < len(gotAsks); i++ {
		if !gotAsks[i-1].Price.LessThan(gotAsks[i].Price) {
			t.Fatalf("asks not ascending at %d: %s then %s", i, gotAsks[i-1].Price, gotAsks[i].Price)
		}
	}

	if best, _ := bids.Best(); !best.Price.Equal(d("102")) {
		t.Errorf("best bid = %s", best.Price)
	}
	if best, _ := asks.Best(); !best.Price.Equal(d("98.25")) {
		t.Errorf("best ask = %s", best.Price)
	}
}

func TestBookLevelsDepth(t *testing.T) {
	book := NewBook(types.Ask)
	for i := 0; i < 5; i++ {
		book.Apply(decimal.NewFromInt(int64(100+i)), decimal.NewFromInt(1))
	}

	for _, depth := range []int{0, 1, 3, 5, 10} {
		want := depth
		if depth == 0 || depth > 5 {
			want = 5
		}
		if got := len(book.Levels(depth)); got != want {
			t.Errorf("Levels(%d) returned %d levels, want %d", depth, got, want)
		}
	}

	top := book.Levels(2)
	if !top[0].Price.Equal(d("100")) || !top[1].Price.Equal(d("101")) {
		t.Errorf("unexpected top of book: %v", top)
	}
}

func TestBookNeverStoresZero(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	book := NewBook(types.Bid)

	for i := 0; i < 5000; i++ {
		price := decimal.NewFromInt(int64(rng.Intn(50)))
		qty := decimal.NewFromInt(int64(rng.Intn(4))) // zero one time in four
		book.Apply(price, qty)
	}

	book.Each(func(level types.PriceLevel) {
		if level.Quantity.IsZero() {
			t.Fatalf("zero quantity stored at %s", level.Price)
		}
	})
}

func TestBookClear(t *testing.T) {
	book := NewBook(types.Bid)
	book.Apply(d("1"), d("1"))
	book.Clear()
	if book.Len() != 0 {
		t.Errorf("Len() after Clear = %d", book.Len())
	}
	if _, ok := book.Best(); ok {
		t.Error("Best() on empty book should report false")
	}
}
