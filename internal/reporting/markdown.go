package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders a run report as a Markdown string.
func RenderMarkdown(r *RunReport) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Backtest Run Report\n\n")
	sb.WriteString(fmt.Sprintf("Run: `%s`\n\n", r.Run.RunID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	// Run Summary
	sb.WriteString("## Run Summary\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|-------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Asset | %s |\n", r.Run.Asset))
	sb.WriteString(fmt.Sprintf("| Date Range | %s to %s |\n", r.Run.StartDate, r.Run.EndDate))
	sb.WriteString(fmt.Sprintf("| Bars | %d |\n", r.Run.Bars))
	sb.WriteString(fmt.Sprintf("| Config Hash | `%s` |\n", r.Run.ConfigHash))
	sb.WriteString(fmt.Sprintf("| Completed | %s |\n", time.UnixMilli(r.Run.CreatedAtMs).UTC().Format(time.RFC3339)))
	sb.WriteString("\n")

	// KPIs
	k := r.Run.KPIs
	sb.WriteString("## KPIs\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Total Return (gross) | %.4f |\n", k.TotalReturnGross))
	sb.WriteString(fmt.Sprintf("| Total Return (net) | %.4f |\n", k.TotalReturnNet))
	sb.WriteString(fmt.Sprintf("| CAGR | %.4f |\n", k.CAGR))
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %.4f |\n", k.MaxDrawdown))
	sb.WriteString(fmt.Sprintf("| Sharpe | %.4f |\n", k.Sharpe))
	sb.WriteString(fmt.Sprintf("| Sortino | %.4f |\n", k.Sortino))
	sb.WriteString(fmt.Sprintf("| Win Rate | %.4f |\n", k.WinRate))
	sb.WriteString(fmt.Sprintf("| Profit Factor | %.4f |\n", k.ProfitFactor))
	sb.WriteString(fmt.Sprintf("| Exposure | %.4f |\n", k.Exposure))
	sb.WriteString(fmt.Sprintf("| Trades | %d |\n", k.TradeCount))
	sb.WriteString(fmt.Sprintf("| Avg Holding Days | %.2f |\n", k.AvgHoldingDays))
	sb.WriteString(fmt.Sprintf("| Avg Net Return / Trade | %.4f |\n", k.AvgNetReturn))
	sb.WriteString(fmt.Sprintf("| Buy & Hold Return | %.4f |\n", k.BuyHoldReturn))
	sb.WriteString(fmt.Sprintf("| Net vs Buy & Hold | %.4f |\n", k.TotalReturnNet-k.BuyHoldReturn))
	sb.WriteString("\n")

	// Fees Sensitivity
	sb.WriteString("## Fees Sensitivity\n\n")
	if len(r.FeesScenarios) > 0 {
		sb.WriteString("| Scenario | Fee (bps) | Slippage (bps) | Net Return | Sharpe | Max Drawdown |\n")
		sb.WriteString("|----------|-----------|----------------|------------|--------|-------------|\n")
		for _, row := range r.FeesScenarios {
			sb.WriteString(fmt.Sprintf("| %s | %.0f | %.0f | %.4f | %.4f | %.4f |\n",
				row.Scenario.Name, row.Scenario.FeeBps, row.Scenario.SlippageBps,
				row.NetReturn, row.Sharpe, row.MaxDrawdown))
		}
	} else {
		sb.WriteString("No fees sensitivity data available.\n")
	}
	sb.WriteString("\n")

	// Final Day Checklist
	c := r.Checklist
	sb.WriteString("## Final Day Checklist\n\n")
	sb.WriteString(fmt.Sprintf("%s resolved to **%s** (%s)\n\n", c.Date, c.Action, c.ReasonCode))
	sb.WriteString("| Group | Check | Op | Threshold | Value | Status |\n")
	sb.WriteString("|-------|-------|----|-----------|-------|--------|\n")
	for _, row := range c.Rows {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
			row.Group, row.Label, row.Op, row.Threshold, row.Value, row.Status))
	}
	sb.WriteString("\n")

	// Trade Journal
	sb.WriteString("## Trade Journal\n\n")
	if len(r.Trades) > 0 {
		sb.WriteString("| # | Entry | Exit | Days | Entry Px | Exit Px | Net Return | Reason | Adds |\n")
		sb.WriteString("|---|-------|------|------|----------|---------|------------|--------|------|\n")
		for i, t := range r.Trades {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %d | %.4f | %.4f | %.4f | %s | %d |\n",
				i+1, t.EntryDate, t.ExitDate, t.HoldingDays,
				t.EntryPriceNet, t.ExitPriceNet, t.NetReturnPct, t.ExitReason, t.Adds))
		}
	} else {
		sb.WriteString("No trades closed.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
