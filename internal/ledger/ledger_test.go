package ledger

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestApplyDeltaBuySellCycle(t *testing.T) {
	pf := NewPortfolio(uuid.New())

	// Buy 5 at 1000.
	if err := pf.ApplyDelta("acme", 5, 5000); err != nil {
		t.Fatalf("buy: %v", err)
	}
	pos, ok := pf.Get("acme")
	if !ok || pos.Amount != 5 || pos.CostBasis != 5000 {
		t.Fatalf("after buy: %+v", pos)
	}
	if pos.AvgPrice() != 1000 {
		t.Fatalf("avg price %v want 1000", pos.AvgPrice())
	}

	// Buy 5 more at 1200: avg moves to 1100.
	if err := pf.ApplyDelta("acme", 5, 6000); err != nil {
		t.Fatalf("second buy: %v", err)
	}
	pos, _ = pf.Get("acme")
	if pos.AvgPrice() != 1100 {
		t.Fatalf("avg price %v want 1100", pos.AvgPrice())
	}

	// Partial sell at avg cost leaves avg unchanged.
	if err := pf.ApplyDelta("acme", -4, -4*1100); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pos, _ = pf.Get("acme")
	if pos.Amount != 6 || pos.AvgPrice() != 1100 {
		t.Fatalf("after partial sell: %+v avg %v", pos, pos.AvgPrice())
	}

	// Full sell removes the entry entirely.
	if err := pf.ApplyDelta("acme", -6, -6*1100); err != nil {
		t.Fatalf("full sell: %v", err)
	}
	if _, ok := pf.Get("acme"); ok {
		t.Fatalf("fully sold position should be gone")
	}
	if len(pf.All()) != 0 {
		t.Fatalf("portfolio not empty: %+v", pf.All())
	}
}

func TestApplyDeltaRejectsOverdraw(t *testing.T) {
	pf := NewPortfolio(uuid.New())
	if err := pf.ApplyDelta("acme", 2, 2000); err != nil {
		t.Fatalf("buy: %v", err)
	}
	err := pf.ApplyDelta("acme", -3, -3000)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("got %v want ErrInvariantViolation", err)
	}
	pos, _ := pf.Get("acme")
	if pos.Amount != 2 || pos.CostBasis != 2000 {
		t.Fatalf("failed delta must not mutate: %+v", pos)
	}
}

func TestApplyDeltaClampsBasisDrift(t *testing.T) {
	pf := NewPortfolio(uuid.New())
	if err := pf.ApplyDelta("acme", 3, 0.30000000000000004); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := pf.ApplyDelta("acme", -2, -0.31); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pos, _ := pf.Get("acme")
	if pos.CostBasis < 0 {
		t.Fatalf("cost basis went negative: %v", pos.CostBasis)
	}
}

func TestRestoreDropsEmptyRows(t *testing.T) {
	id := uuid.New()
	pf := NewPortfolio(id)
	pf.Restore([]Position{
		{InstrumentID: "acme", Amount: 3, CostBasis: 300},
		{InstrumentID: "bolt", Amount: 0, CostBasis: 50},
	})
	if _, ok := pf.Get("bolt"); ok {
		t.Fatalf("zero-amount row should be dropped on restore")
	}
	pos, ok := pf.Get("acme")
	if !ok || pos.PlayerID != id {
		t.Fatalf("restored position missing owner: %+v", pos)
	}
}

func TestAllSortsByInstrument(t *testing.T) {
	pf := NewPortfolio(uuid.New())
	for _, id := range []string{"zeta", "acme", "mono"} {
		if err := pf.ApplyDelta(id, 1, 10); err != nil {
			t.Fatalf("buy %s: %v", id, err)
		}
	}
	all := pf.All()
	if len(all) != 3 || all[0].InstrumentID != "acme" || all[2].InstrumentID != "zeta" {
		t.Fatalf("unexpected order: %+v", all)
	}
}
