package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"stockd/internal/market"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestBuyChargesFeeAndRecordsBasis(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	res, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID:     playerID,
		InstrumentID: "acme",
		Side:         SideBuy,
		Amount:       5,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Quantity != 5 || res.UnitPrice != 1000 || res.Notional != 5000 {
		t.Fatalf("result: %+v", res)
	}
	if !almost(res.Fee, 25) || !almost(res.Moved, 5025) {
		t.Fatalf("fee/moved: %+v", res)
	}
	if res.RemainingBuys != 9 || res.RemainingSells != 10 {
		t.Fatalf("remaining: %+v", res)
	}
	if bal := rig.wallet.balance[playerID]; !almost(bal, 4975) {
		t.Fatalf("balance after buy: %v", bal)
	}

	view, err := rig.engine.GetPortfolio(context.Background(), playerID)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	pos := view.Positions[0]
	if pos.Amount != 5 || pos.AvgPrice != 1000 {
		t.Fatalf("position after buy: %+v", pos)
	}
}

func TestSellPaysNetOfFee(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 5,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	res, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideSell, Amount: 2,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Notional != 2000 || !almost(res.Fee, 10) || !almost(res.Moved, 1990) {
		t.Fatalf("sell result: %+v", res)
	}
	if res.RealizedPL != 0 {
		t.Fatalf("flat price should realize zero, got %v", res.RealizedPL)
	}
	if bal := rig.wallet.balance[playerID]; !almost(bal, 4975+1990) {
		t.Fatalf("balance after sell: %v", bal)
	}

	view, _ := rig.engine.GetPortfolio(context.Background(), playerID)
	pos := view.Positions[0]
	if pos.Amount != 3 || pos.AvgPrice != 1000 {
		t.Fatalf("avg cost must survive a partial sell: %+v", pos)
	}
}

func TestSellRealizesProfitAfterPriceMove(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 4,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := rig.engine.SetPrice("acme", 1200); err != nil {
		t.Fatalf("set price: %v", err)
	}

	res, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideSell, Amount: 4,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.RealizedPL != 800 {
		t.Fatalf("realized: %v want 800", res.RealizedPL)
	}

	// Fully sold positions vanish outright.
	view, _ := rig.engine.GetPortfolio(context.Background(), playerID)
	if len(view.Positions) != 0 {
		t.Fatalf("position should be gone: %+v", view.Positions)
	}
}

func TestBuyInsufficientFundsLeavesStateAlone(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 100
	rig.join(t, playerID)

	_, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}
	if bal := rig.wallet.balance[playerID]; bal != 100 {
		t.Fatalf("balance touched on rejected buy: %v", bal)
	}
	view, _ := rig.engine.GetPortfolio(context.Background(), playerID)
	if len(view.Positions) != 0 {
		t.Fatalf("position created on rejected buy: %+v", view.Positions)
	}
}

func TestSellInsufficientHoldings(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 2,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	balBefore := rig.wallet.balance[playerID]

	_, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideSell, Amount: 3,
	})
	if !errors.Is(err, ErrInsufficientHoldings) {
		t.Fatalf("got %v want ErrInsufficientHoldings", err)
	}
	if rig.wallet.balance[playerID] != balBefore {
		t.Fatalf("balance touched on rejected sell")
	}
	view, _ := rig.engine.GetPortfolio(context.Background(), playerID)
	if view.Positions[0].Amount != 2 {
		t.Fatalf("holding touched on rejected sell: %+v", view.Positions)
	}
}

func TestDailyLimitDeniesAndResets(t *testing.T) {
	cfg := testMarketConfig()
	cfg.Limits.Buy = 1
	rig := startEngine(t, cfg)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 100_000
	rig.join(t, playerID)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
	}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
	})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("got %v want ErrLimitExceeded", err)
	}

	// An admin reset clears the counters immediately.
	if err := rig.engine.ResetLimits(context.Background(), playerID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
	}); err != nil {
		t.Fatalf("buy after reset: %v", err)
	}
}

func TestLimitOverrideApplies(t *testing.T) {
	cfg := testMarketConfig()
	cfg.Limits.Buy = 1
	rig := startEngine(t, cfg)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 100_000
	rig.join(t, playerID)

	if err := rig.engine.SetLimitOverride(context.Background(), playerID, true, 3); err != nil {
		t.Fatalf("set override: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
			PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
		}); err != nil {
			t.Fatalf("buy %d under override: %v", i, err)
		}
	}
	_, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "acme", Side: SideBuy, Amount: 1,
	})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("override cap not enforced: %v", err)
	}

	status, err := rig.engine.GetLimitStatus(context.Background(), playerID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled || !status.Overridden || status.BuysUsed != 3 || status.BuyLimit != 3 {
		t.Fatalf("status: %+v", status)
	}
}

func TestMaxBuySpendsWithinBalance(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	res, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID:     playerID,
		InstrumentID: "acme",
		Side:         SideBuy,
		Mode:         QuantityMax,
	})
	if err != nil {
		t.Fatalf("max buy: %v", err)
	}
	// floor(10000 / 1005) = 9 units at 0.5% fee.
	if res.Quantity != 9 {
		t.Fatalf("quantity: %d want 9", res.Quantity)
	}
	if rig.wallet.balance[playerID] < 0 {
		t.Fatalf("overspent: %v", rig.wallet.balance[playerID])
	}
}

func TestSellAllEmptiesTheHolding(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.wallet.balance[playerID] = 10_000
	rig.join(t, playerID)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "bolt", Side: SideBuy, Amount: 7,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "bolt", Side: SideSell, Mode: QuantityMax,
	})
	if err != nil {
		t.Fatalf("sell all: %v", err)
	}
	if res.Quantity != 7 {
		t.Fatalf("quantity: %d want 7", res.Quantity)
	}

	// Nothing left to sell.
	_, err = rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "bolt", Side: SideSell, Mode: QuantityMax,
	})
	if !errors.Is(err, ErrNothingToTrade) {
		t.Fatalf("got %v want ErrNothingToTrade", err)
	}
}

func TestTradeRejectsUnknownInstrument(t *testing.T) {
	rig := startEngine(t, nil)
	playerID := uuid.New()
	rig.join(t, playerID)

	_, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: playerID, InstrumentID: "ghost", Side: SideBuy, Amount: 1,
	})
	if !errors.Is(err, market.ErrUnknownInstrument) {
		t.Fatalf("got %v want ErrUnknownInstrument", err)
	}
}

func TestModifyPositionOnlineAndOffline(t *testing.T) {
	rig := startEngine(t, nil)
	online := uuid.New()
	offline := uuid.New()
	rig.wallet.balance[online] = 10_000
	rig.join(t, online)

	if _, err := rig.engine.ExecuteTrade(context.Background(), TradeRequest{
		PlayerID: online, InstrumentID: "acme", Side: SideBuy, Amount: 4,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := rig.engine.ModifyPosition(context.Background(), online, "acme", "remove", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	view, _ := rig.engine.GetPortfolio(context.Background(), online)
	pos := view.Positions[0]
	if pos.Amount != 3 || math.Abs(pos.AvgPrice-1000) > 1e-9 {
		t.Fatalf("online modify: %+v", pos)
	}

	// Offline set writes straight through to storage.
	if err := rig.engine.ModifyPosition(context.Background(), offline, "bolt", "set", 6); err != nil {
		t.Fatalf("offline set: %v", err)
	}
	state, ok := rig.store.stored(offline)
	if !ok || len(state.Positions) != 1 || state.Positions[0].Amount != 6 {
		t.Fatalf("offline modify: %+v", state)
	}

	if err := rig.engine.ModifyPosition(context.Background(), offline, "bolt", "shrink", 1); err == nil {
		t.Fatalf("expected bad action error")
	}
	if err := rig.engine.ModifyPosition(context.Background(), offline, "ghost", "add", 1); !errors.Is(err, market.ErrUnknownInstrument) {
		t.Fatalf("got %v want ErrUnknownInstrument", err)
	}
}
