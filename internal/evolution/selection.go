package evolution

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/strategy"
)

const (
	diversityBand    = 0.1
	diversityStep    = 0.05
	diversityCap     = 0.3
	mutationSpread   = 2.5
	minMutatedParams = 2
	maxMutatedParams = 3
)

// Rank 计算多样性惩罚后按最终 fitness 降序排列（并列按 bot id 保证稳定）。
// 惩罚按 |fitness| 扣减，负 fitness 也只会更低。
func Rank(metrics []domain.BotPerformanceMetrics) []domain.Ranking {
	out := make([]domain.Ranking, 0, len(metrics))
	for i, m := range metrics {
		similar := 0
		for j, o := range metrics {
			if i != j && math.Abs(o.Fitness-m.Fitness) < diversityBand {
				similar++
			}
		}
		penalty := math.Min(diversityCap, float64(similar)*diversityStep)
		out = append(out, domain.Ranking{
			BotID:            m.BotID,
			BaseFitness:      m.Fitness,
			DiversityPenalty: penalty,
			FinalFitness:     m.Fitness - penalty*math.Abs(m.Fitness),
			Metrics:          m,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalFitness != out[j].FinalFitness {
			return out[i].FinalFitness > out[j].FinalFitness
		}
		return out[i].BotID < out[j].BotID
	})
	return out
}

// MutationIntensity 父代 Sharpe 越差变异越大
func MutationIntensity(parentSharpe float64) float64 {
	switch {
	case parentSharpe < 0.5:
		return 0.8
	case parentSharpe < 1.0:
		return 0.5
	default:
		return 0.2
	}
}

// Mutate 随机挑 2~3 个可变异参数做乘性扰动，并截断到参数范围
func Mutate(kind strategy.Kind, params map[string]float64, rate, intensity float64, rng *rand.Rand) map[string]float64 {
	out := strategy.Normalize(kind, params)
	keys := strategy.MutableKeys(kind)
	if len(keys) == 0 {
		return out
	}
	bounds := strategy.ParamBounds(kind)
	magnitude := rate * intensity * mutationSpread

	n := minMutatedParams + rng.Intn(maxMutatedParams-minMutatedParams+1)
	if n > len(keys) {
		n = len(keys)
	}
	for _, idx := range rng.Perm(len(keys))[:n] {
		key := keys[idx]
		factor := 1 + (rng.Float64()*2-1)*magnitude
		out[key] = bounds[key].Clamp(out[key] * factor)
	}
	return out
}

// newBotID kind-g<gen>-<8位uuid>
func newBotID(kind string, generation int, r io.Reader) string {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-g%d-%s", kind, generation, id.String()[:8])
}

// Offspring 以 parent 为模板生成变异后代
func Offspring(parent domain.BotConfig, parentSharpe, rate float64, rng *rand.Rand, now time.Time) (domain.BotConfig, float64) {
	intensity := MutationIntensity(parentSharpe)
	kind := strategy.Kind(parent.StrategyKind)
	gen := parent.Generation + 1
	lineage := parent.LineageID
	if lineage == "" {
		lineage = parent.BotID
	}
	child := domain.BotConfig{
		BotID:        newBotID(parent.StrategyKind, gen, rng),
		StrategyKind: parent.StrategyKind,
		Generation:   gen,
		LineageID:    lineage,
		ParentID:     parent.BotID,
		Params:       Mutate(kind, parent.Params, rate, intensity, rng),
		Active:       true,
		CreatedAt:    now,
	}
	return child, intensity
}
