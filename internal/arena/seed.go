package arena

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/strategy"
)

const DefaultPopulation = 8

// SeedStore 种子种群落库
type SeedStore interface {
	ActiveBots(ctx context.Context) ([]domain.BotConfig, error)
	SaveBotConfig(ctx context.Context, b domain.BotConfig) error
}

// SeedBots 第 0 代：按策略顺序轮转，默认参数，每个 bot 自成一个 lineage
func SeedBots(n int, now time.Time) []domain.BotConfig {
	if n <= 0 {
		n = DefaultPopulation
	}
	kinds := strategy.Kinds()
	out := make([]domain.BotConfig, 0, n)
	for i := 0; i < n; i++ {
		kind := kinds[i%len(kinds)]
		id := fmt.Sprintf("%s-g0-%s", kind, uuid.NewString()[:8])
		out = append(out, domain.BotConfig{
			BotID:        id,
			StrategyKind: string(kind),
			Generation:   0,
			LineageID:    id,
			Params:       strategy.Defaults(kind),
			Active:       true,
			CreatedAt:    now,
		})
	}
	return out
}

// Seed 没有活跃 bot 时写入种子种群；已有种群时原样返回
func Seed(ctx context.Context, store SeedStore, n int, now time.Time) ([]domain.BotConfig, bool, error) {
	existing, err := store.ActiveBots(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "load population")
	}
	if len(existing) > 0 {
		return existing, false, nil
	}
	bots := SeedBots(n, now)
	for _, b := range bots {
		if err := store.SaveBotConfig(ctx, b); err != nil {
			return nil, false, errors.Wrapf(err, "save seed bot %s", b.BotID)
		}
	}
	log.Infof("🌱 已创建种子种群 %d 个 bot", len(bots))
	return bots, true, nil
}
