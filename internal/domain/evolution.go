package domain

import "time"

// EvolutionTrigger 进化触发原因
type EvolutionTrigger string

const (
	TriggerWalkForward EvolutionTrigger = "walk_forward"
	TriggerSharpeKill  EvolutionTrigger = "sharpe_kill_switch"
	TriggerSafetyNet   EvolutionTrigger = "safety_net"
	TriggerManual      EvolutionTrigger = "manual"
)

// EvolutionPhase 进化周期状态机
type EvolutionPhase string

const (
	PhaseIdle       EvolutionPhase = "idle"
	PhaseEvaluating EvolutionPhase = "evaluating"
	PhaseSelecting  EvolutionPhase = "selecting"
	PhaseReplacing  EvolutionPhase = "replacing"
)

// EvolutionState 全局进化状态（单写者：evolution manager）
type EvolutionState struct {
	GlobalTradeCount  int64          `json:"global_trade_count"`
	LastEvolutionAt   time.Time      `json:"last_evolution_at"`
	CooldownActive    bool           `json:"cooldown_active"`
	RemainingCooldown time.Duration  `json:"remaining_cooldown"`
	InProgress        bool           `json:"in_progress"`
	Phase             EvolutionPhase `json:"phase"`
	LastTrigger       string         `json:"last_trigger,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

// BotPerformanceMetrics 每个周期从账本重新计算，不落库
type BotPerformanceMetrics struct {
	BotID          string  `json:"bot_id"`
	ResolvedTrades int     `json:"resolved_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	TotalPnL       float64 `json:"total_pnl"`
	Sharpe         float64 `json:"sharpe"`
	Calmar         float64 `json:"calmar"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	Fitness        float64 `json:"fitness_score"`
}

// Ranking 排名条目
type Ranking struct {
	BotID            string                `json:"bot_id"`
	BaseFitness      float64               `json:"base_fitness"`
	DiversityPenalty float64               `json:"diversity_penalty"`
	FinalFitness     float64               `json:"final_fitness"`
	Metrics          BotPerformanceMetrics `json:"metrics"`
}

// Offspring 一次替换：replaced 被 child 取代，child 来自 parent
type Offspring struct {
	Child     BotConfig `json:"child"`
	ParentID  string    `json:"parent_id"`
	Replaced  string    `json:"replaced"`
	Intensity float64   `json:"mutation_intensity"`
}

// EvolutionEvent 审计日志
type EvolutionEvent struct {
	ID            int64     `json:"id"`
	CycleID       string    `json:"cycle_id"`
	TriggerReason string    `json:"trigger_reason"`
	Survivors     []string  `json:"survivors"`
	Replaced      []string  `json:"replaced"`
	NewBots       []string  `json:"new_bots"`
	Rankings      []Ranking `json:"rankings"`
	CreatedAt     time.Time `json:"created_at"`
}
