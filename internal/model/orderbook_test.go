package model

import (
	"errors"
	"testing"
	"time"
)

func testBook() *OrderBook {
	return NewOrderBook(ExchangeBinance, "BTCUSDT",
		[]BookLevel{{Price: 100, Quantity: 2}, {Price: 99, Quantity: 1}, {Price: 101, Quantity: 0}},
		[]BookLevel{{Price: 102, Quantity: 3}, {Price: 103, Quantity: 1}},
		10, time.Unix(1700000000, 0))
}

func assertSorted(t *testing.T, b *OrderBook) {
	t.Helper()
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price >= b.Bids[i-1].Price {
			t.Fatalf("bids not strictly descending at %d: %v", i, b.Bids)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price <= b.Asks[i-1].Price {
			t.Fatalf("asks not strictly ascending at %d: %v", i, b.Asks)
		}
	}
}

func TestNewOrderBookSortsAndDropsZeroLevels(t *testing.T) {
	b := testBook()
	if len(b.Bids) != 2 {
		t.Fatalf("expected zero-quantity bid dropped, got %v", b.Bids)
	}
	if !b.Valid {
		t.Fatalf("fresh snapshot should be valid")
	}
	assertSorted(t, b)
}

func TestApplyInSequenceKeepsInvariant(t *testing.T) {
	b := testBook()
	updates := []BookUpdate{
		{FirstUpdateID: 11, FinalUpdateID: 12, Bids: []BookLevel{{Price: 100.5, Quantity: 1}}},
		{FirstUpdateID: 13, FinalUpdateID: 13, Asks: []BookLevel{{Price: 102, Quantity: 0}}},
		{FirstUpdateID: 14, FinalUpdateID: 15, Bids: []BookLevel{{Price: 99, Quantity: 0}}, Asks: []BookLevel{{Price: 101.5, Quantity: 2}}},
	}
	for i, u := range updates {
		if err := b.Apply(u); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		assertSorted(t, b)
	}
	if b.LastUpdateID != 15 {
		t.Fatalf("last update id = %d, want 15", b.LastUpdateID)
	}
	if bid, _ := b.BestBid(); bid.Price != 100.5 {
		t.Fatalf("best bid = %v", bid)
	}
	if ask, _ := b.BestAsk(); ask.Price != 101.5 {
		t.Fatalf("best ask = %v", ask)
	}
}

func TestApplyStaleUpdateInvalidatesWithoutMutation(t *testing.T) {
	b := testBook()
	before := b.Clone()

	err := b.Apply(BookUpdate{FirstUpdateID: 9, FinalUpdateID: 10, Bids: []BookLevel{{Price: 50, Quantity: 9}}})
	if !errors.Is(err, ErrBookOutOfSequence) {
		t.Fatalf("expected out-of-sequence error, got %v", err)
	}
	if b.Valid {
		t.Fatalf("book should be invalid after stale update")
	}
	if len(b.Bids) != len(before.Bids) || b.Bids[0] != before.Bids[0] {
		t.Fatalf("stale update mutated the book: %v", b.Bids)
	}

	// Further updates are refused until a snapshot reset.
	if err := b.Apply(BookUpdate{FirstUpdateID: 11, FinalUpdateID: 11}); !errors.Is(err, ErrBookInvalid) {
		t.Fatalf("expected ErrBookInvalid, got %v", err)
	}

	b.Reset([]BookLevel{{Price: 100, Quantity: 1}}, []BookLevel{{Price: 101, Quantity: 1}}, 20, time.Now())
	if !b.Valid {
		t.Fatalf("reset should revalidate the book")
	}
	if err := b.Apply(BookUpdate{FirstUpdateID: 21, FinalUpdateID: 21, Bids: []BookLevel{{Price: 100.2, Quantity: 1}}}); err != nil {
		t.Fatalf("apply after reset: %v", err)
	}
}

func TestApplyGapInvalidates(t *testing.T) {
	b := testBook()
	err := b.Apply(BookUpdate{FirstUpdateID: 15, FinalUpdateID: 16})
	if !errors.Is(err, ErrBookOutOfSequence) {
		t.Fatalf("expected gap error, got %v", err)
	}
	if b.Valid {
		t.Fatalf("gapped update must invalidate the book")
	}
}

func TestApplyCrossedBookInvalidates(t *testing.T) {
	b := testBook()
	err := b.Apply(BookUpdate{FirstUpdateID: 11, FinalUpdateID: 11, Bids: []BookLevel{{Price: 103, Quantity: 1}}})
	if !errors.Is(err, ErrBookOutOfSequence) {
		t.Fatalf("expected crossed-book error, got %v", err)
	}
	if b.Valid {
		t.Fatalf("crossed book must be invalid")
	}
}

func TestDepthWithin(t *testing.T) {
	b := NewOrderBook(ExchangeBinance, "BTCUSDT",
		[]BookLevel{{Price: 100, Quantity: 5}, {Price: 98, Quantity: 5}, {Price: 90, Quantity: 100}},
		[]BookLevel{{Price: 101, Quantity: 4}, {Price: 102, Quantity: 6}, {Price: 120, Quantity: 100}},
		1, time.Now())

	if got := b.DepthWithin(SideBuy, 0.02); got != 10 {
		t.Fatalf("buy depth = %v, want 10", got)
	}
	if got := b.DepthWithin(SideSell, 0.02); got != 10 {
		t.Fatalf("sell depth = %v, want 10", got)
	}
	if got := b.DepthWithin(SideBuy, 0); got != 4 {
		t.Fatalf("zero-tolerance buy depth = %v, want 4", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := testBook()
	c := b.Clone()
	c.Bids[0].Quantity = 999
	if b.Bids[0].Quantity == 999 {
		t.Fatalf("clone shares bid storage with original")
	}
}
