package domain

import "time"

// RiskProfile 按资金量分档
type RiskProfile string

const (
	ProfileUltraSafe    RiskProfile = "UltraSafe"
	ProfileConservative RiskProfile = "Conservative"
	ProfileBalanced     RiskProfile = "Balanced"
)

// RiskLimits 当前生效的风控额度（美元）
type RiskLimits struct {
	Profile            RiskProfile `json:"profile_name"`
	Bankroll           float64     `json:"bankroll"`
	PeakBankroll       float64     `json:"peak_bankroll"`
	Drawdown           float64     `json:"drawdown"`
	DrawdownProtection bool        `json:"drawdown_protection"`
	MaxTradeSize       float64     `json:"max_trade_size"`
	MaxPositionPerBot  float64     `json:"max_position_per_bot"`
	MaxGlobalPosition  float64     `json:"max_global_position"`
	MaxDailyLossPerBot float64     `json:"max_daily_loss_per_bot"`
	MaxDailyLossGlobal float64     `json:"max_daily_loss_global"`
	ComputedAt         time.Time   `json:"computed_at"`
}
