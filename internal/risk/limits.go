package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/arena/internal/domain"
)

// tier 按资金量分档的额度比例
type tier struct {
	profile    domain.RiskProfile
	below      float64 // 资金 < below 时生效，0 表示无上限
	trade      float64
	botPos     float64
	global     float64
	lossBot    float64
	lossGlobal float64
}

var tiers = []tier{
	{profile: domain.ProfileUltraSafe, below: 100, trade: 0.05, botPos: 0.15, global: 0.60, lossBot: 0.125, lossGlobal: 0.30},
	{profile: domain.ProfileConservative, below: 1000, trade: 0.02, botPos: 0.10, global: 0.50, lossBot: 0.10, lossGlobal: 0.20},
	{profile: domain.ProfileBalanced, trade: 0.03, botPos: 0.12, global: 0.60, lossBot: 0.08, lossGlobal: 0.18},
}

func tierFor(bankroll float64) tier {
	for _, t := range tiers {
		if t.below == 0 || bankroll < t.below {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// Drawdown (peak-bankroll)/peak，结果在 [0,1]
func Drawdown(bankroll, peak float64) float64 {
	if peak <= 0 || bankroll >= peak {
		return 0
	}
	return math.Min(1, math.Max(0, (peak-bankroll)/peak))
}

// ComputeLimits 由资金、峰值和配置计算当前额度。跌破峰值 DrawdownTrigger 时收紧单笔和全局额度。
func ComputeLimits(bankroll, peak float64, cfg Config, now time.Time) domain.RiskLimits {
	bankroll = math.Max(0, bankroll)
	peak = math.Max(peak, bankroll)
	t := tierFor(bankroll)

	trade := bankroll * t.trade
	global := bankroll * t.global
	protect := peak > 0 && bankroll < peak*cfg.DrawdownTrigger
	if protect {
		trade *= cfg.DrawdownTradeScale
		global *= cfg.DrawdownGlobalScale
	}

	return domain.RiskLimits{
		Profile:            t.profile,
		Bankroll:           cents(bankroll),
		PeakBankroll:       cents(peak),
		Drawdown:           Drawdown(bankroll, peak),
		DrawdownProtection: protect,
		MaxTradeSize:       cents(trade),
		MaxPositionPerBot:  cents(bankroll * t.botPos),
		MaxGlobalPosition:  cents(global),
		MaxDailyLossPerBot: cents(bankroll * t.lossBot),
		MaxDailyLossGlobal: cents(bankroll * t.lossGlobal),
		ComputedAt:         now,
	}
}

// KellyScale 回撤越深 Kelly 越保守，dd >= maxDD 时降到 base 的 10%
func KellyScale(base, dd, maxDD float64) float64 {
	if maxDD <= 0 {
		return base
	}
	return base * math.Max(0.1, 1-0.9*dd/maxDD)
}

// cents 四舍五入到分
func cents(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
