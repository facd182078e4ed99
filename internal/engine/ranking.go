package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type RankingRow struct {
	Rank            int       `json:"rank"`
	PlayerID        uuid.UUID `json:"player_id"`
	TotalAssetValue float64   `json:"total_asset_value"`
}

// Rankings orders every player holding anything by the current value of
// their positions. Prices are snapshotted from the loop, then the scan runs
// against storage so connected and offline players rank on equal footing.
// Connected players whose latest trades have not flushed yet rank on their
// last flushed state.
func (e *Engine) Rankings(ctx context.Context) ([]RankingRow, error) {
	var prices map[string]float64
	if err := e.do(func() { prices = e.reg.PriceIndex() }); err != nil {
		return nil, err
	}

	positions, err := e.store.ActivePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking scan: %w", err)
	}

	totals := make(map[uuid.UUID]float64)
	for _, pos := range positions {
		price, ok := prices[pos.InstrumentID]
		if !ok {
			continue
		}
		totals[pos.PlayerID] += price * float64(pos.Amount)
	}

	rows := make([]RankingRow, 0, len(totals))
	for id, total := range totals {
		if total <= 0 {
			continue
		}
		rows = append(rows, RankingRow{PlayerID: id, TotalAssetValue: total})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalAssetValue != rows[j].TotalAssetValue {
			return rows[i].TotalAssetValue > rows[j].TotalAssetValue
		}
		return rows[i].PlayerID.String() < rows[j].PlayerID.String()
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}
