package evolution

import (
	"math"
	"sort"

	"github.com/betbot/arena/internal/domain"
)

const (
	// profitFactorCap 没有亏损时 PF 记为该上限
	profitFactorCap = 10.0
	minSharpeDays   = 6
	tradingDays     = 252
)

// ComputeMetrics 从已结算交易计算绩效。样本不足返回 ok=false。
// sharpeDefined 表示日收益天数足够，Sharpe 有意义。
func ComputeMetrics(botID string, trades []domain.TradeRecord, minTrades int) (m domain.BotPerformanceMetrics, sharpeDefined bool, ok bool) {
	resolved := make([]domain.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t.Resolved() {
			resolved = append(resolved, t)
		}
	}
	if len(resolved) < minTrades || len(resolved) == 0 {
		return domain.BotPerformanceMetrics{BotID: botID, ResolvedTrades: len(resolved)}, false, false
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].CreatedAt.Before(resolved[j].CreatedAt)
	})

	m.BotID = botID
	m.ResolvedTrades = len(resolved)

	var wins, losses int
	var grossProfit, grossLoss float64
	daily := make(map[string]float64)
	days := make([]string, 0)
	for _, t := range resolved {
		m.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			wins++
			grossProfit += t.PnL
		case t.PnL < 0:
			losses++
			grossLoss += -t.PnL
		}
		day := t.CreatedAt.UTC().Format("2006-01-02")
		if _, seen := daily[day]; !seen {
			days = append(days, day)
		}
		daily[day] += t.PnL
	}

	m.WinRate = float64(wins) / float64(len(resolved))
	if wins > 0 {
		m.AvgWin = grossProfit / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = -grossLoss / float64(losses)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = math.Min(profitFactorCap, grossProfit/grossLoss)
	case grossProfit > 0:
		m.ProfitFactor = profitFactorCap
	}

	if len(days) >= minSharpeDays {
		rets := make([]float64, 0, len(days))
		for _, d := range days {
			rets = append(rets, daily[d])
		}
		mean, std := meanStd(rets)
		m.Sharpe = mean / (std + 1e-6) * math.Sqrt(tradingDays)
		sharpeDefined = true
	}

	m.MaxDrawdown = maxDrawdown(resolved)
	if m.MaxDrawdown != 0 {
		m.Calmar = m.TotalPnL / math.Abs(m.MaxDrawdown)
	}
	m.Fitness = BaseFitness(m)
	return m, sharpeDefined, true
}

// BaseFitness 0.4·Sharpe + 0.3·Calmar + 0.2·PF/2 + 0.1·2·(wr−0.5)
func BaseFitness(m domain.BotPerformanceMetrics) float64 {
	return m.Sharpe*0.40 +
		m.Calmar*0.30 +
		(m.ProfitFactor/2.0)*0.20 +
		(m.WinRate-0.5)*2.0*0.10
}

// maxDrawdown 累计 PnL 曲线相对历史高点的最大回落（正数）
func maxDrawdown(trades []domain.TradeRecord) float64 {
	var cum, peak, dd float64
	for _, t := range trades {
		cum += t.PnL
		if cum > peak {
			peak = cum
		}
		if peak-cum > dd {
			dd = peak - cum
		}
	}
	return dd
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
