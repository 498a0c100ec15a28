package ports

import (
	"context"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
)

// 核心引擎依赖的外部协作方。实现放在 gateway/notify/feed 等基础设施包中。

// SignalProvider 辅助信号源（情绪/巨鲸/贝叶斯/错价），可以缺席。
type SignalProvider interface {
	Name() string
	Analyze(ctx context.Context, market domain.Market, snap domain.SignalSnapshot) (domain.ProviderSignal, error)
}

// OrderGateway 下单网关。失败时返回带错误码的 error（见 gateway.Error）。
type OrderGateway interface {
	Place(ctx context.Context, spec domain.OrderSpec) (domain.Fill, error)
}

// NotificationSink 通知出口。实现必须自行吞掉错误，不能影响交易结果。
type NotificationSink interface {
	Notify(ctx context.Context, ev events.Event)
}

// BankrollSource 当前资金
type BankrollSource interface {
	Current(ctx context.Context) (float64, error)
}

// MarketSource 候选市场（发现/过滤在外部完成）
type MarketSource interface {
	Candidates(ctx context.Context) ([]domain.Market, error)
}

// SignalSource 价格历史/情绪等原始信号
type SignalSource interface {
	Snapshot(ctx context.Context, market domain.Market) (domain.SignalSnapshot, error)
}

// ResolutionSource 市场结算结果
type ResolutionSource interface {
	Resolution(ctx context.Context, marketID string) (domain.Resolution, error)
}
