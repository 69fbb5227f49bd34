package reporting

import (
	"fmt"
	"strings"

	"market-analog-lab/internal/domain"
)

// RenderTradesCSV renders a trade journal as a CSV string. Columns match
// the trades table.
func RenderTradesCSV(trades []*domain.Trade) string {
	var sb strings.Builder

	sb.WriteString("trade_id,run_id,asset,entry_date,exit_date,entry_index,exit_index,")
	sb.WriteString("entry_price_gross,entry_price_net,exit_price_gross,exit_price_net,")
	sb.WriteString("fraction,gross_return_pct,net_return_pct,holding_days,exit_reason,mfe,mae,adds\n")

	for _, t := range trades {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s,%d,%d,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%.6f,%d,%s,%.6f,%.6f,%d\n",
			t.TradeID,
			t.RunID,
			t.Asset,
			t.EntryDate,
			t.ExitDate,
			t.EntryIndex,
			t.ExitIndex,
			t.EntryPriceGross,
			t.EntryPriceNet,
			t.ExitPriceGross,
			t.ExitPriceNet,
			t.Fraction,
			t.GrossReturnPct,
			t.NetReturnPct,
			t.HoldingDays,
			t.ExitReason,
			t.MFE,
			t.MAE,
			t.Adds,
		))
	}

	return sb.String()
}

// RenderEquityCSV renders an equity curve as a CSV string. Columns match
// the equity_points table.
func RenderEquityCSV(points []*domain.EquityPoint) string {
	var sb strings.Builder

	sb.WriteString("run_id,asset,date,idx,equity_gross,equity_net,position_fraction,action\n")

	for _, p := range points {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%d,%.6f,%.6f,%.6f,%s\n",
			p.RunID,
			p.Asset,
			p.Date,
			p.Index,
			p.EquityGross,
			p.EquityNet,
			p.PositionFraction,
			p.Action,
		))
	}

	return sb.String()
}
