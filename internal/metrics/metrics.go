// Package metrics 进程级指标：prometheus 业务指标 + expvar 运行计数。
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// expvar：后台循环的运行/错误计数，/debug/vars 可见
var (
	ResolverRuns    = expvar.NewInt("resolver_runs")
	ResolverErrors  = expvar.NewInt("resolver_errors")
	RunnerTicks     = expvar.NewInt("runner_ticks")
	RunnerErrors    = expvar.NewInt("runner_errors")
	FeedReconnects  = expvar.NewInt("feed_reconnects")
	NotifyFailures  = expvar.NewInt("notify_failures")
	PopulationLoads = expvar.NewInt("population_reloads")
)

// Registry 独立的 prometheus registry，避免污染默认全局
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Decisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "decisions_total",
		Help:      "Decisions by bot and outcome (intent or skip reason).",
	}, []string{"bot", "result"})

	Admissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "admissions_total",
		Help:      "Risk admissions by result.",
	}, []string{"result"})

	Executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "executions_total",
		Help:      "Execution results by plan and status.",
	}, []string{"plan", "status"})

	ExecutionCost = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arena",
		Name:      "execution_cost_pct",
		Help:      "Estimated execution cost as a fraction of notional.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	Resolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "resolutions_total",
		Help:      "Resolved trades by outcome.",
	}, []string{"outcome"})

	RealizedPnL = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "realized_pnl_abs_total",
		Help:      "Absolute realized PnL split by sign.",
	}, []string{"sign"})

	EvolutionCycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Name:      "evolution_cycles_total",
		Help:      "Evolution cycles by trigger and result.",
	}, []string{"trigger", "result"})

	ModelResidual = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arena",
		Name:      "model_residual_abs",
		Help:      "Absolute residual |y-p| of online model updates.",
		Buckets:   prometheus.LinearBuckets(0.05, 0.1, 10),
	})

	PausedBots = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Name:      "paused_bots",
		Help:      "Bots currently paused by risk.",
	})

	ActiveBots = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Name:      "active_bots",
		Help:      "Active bot runners.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObservePnL 按正负累计已实现盈亏
func ObservePnL(pnl float64) {
	switch {
	case pnl > 0:
		RealizedPnL.WithLabelValues("profit").Add(pnl)
	case pnl < 0:
		RealizedPnL.WithLabelValues("loss").Add(-pnl)
	}
}
