package model

import (
	"fmt"
	"testing"
	"time"
)

func TestTradeRingEvictsOldestFirst(t *testing.T) {
	r := NewTradeRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(Trade{TradeID: fmt.Sprintf("t%d", i), Price: float64(i), Timestamp: time.Now()})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	got := r.Recent(0)
	if got[0].TradeID != "t3" || got[2].TradeID != "t5" {
		t.Fatalf("unexpected contents: %+v", got)
	}
}

func TestTradeRingDeduplicatesByID(t *testing.T) {
	r := NewTradeRing(4)
	if !r.Append(Trade{TradeID: "a", Price: 1}) {
		t.Fatalf("first append rejected")
	}
	if r.Append(Trade{TradeID: "a", Price: 2}) {
		t.Fatalf("duplicate id accepted")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	// An evicted id may be seen again.
	r.Append(Trade{TradeID: "b"})
	r.Append(Trade{TradeID: "c"})
	r.Append(Trade{TradeID: "d"})
	r.Append(Trade{TradeID: "e"}) // evicts "a"
	if !r.Append(Trade{TradeID: "a", Price: 3}) {
		t.Fatalf("evicted id should be accepted again")
	}
}

func TestTradeRingRecentLimit(t *testing.T) {
	r := NewTradeRing(10)
	for i := 0; i < 6; i++ {
		r.Append(Trade{TradeID: fmt.Sprintf("%d", i)})
	}
	got := r.Recent(2)
	if len(got) != 2 || got[1].TradeID != "5" {
		t.Fatalf("unexpected recent window: %+v", got)
	}
}
