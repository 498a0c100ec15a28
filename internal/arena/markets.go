package arena

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/feed"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/cache"
)

// Books 盘口来源（websocket feed）
type Books interface {
	Track(markets ...domain.Market)
	Quote(m *domain.Market) bool
}

// FeedBooks 把 feed.Client 适配成 Books，盘口超过 maxAge 视为不可用
type FeedBooks struct {
	client *feed.Client
	maxAge time.Duration
}

func NewFeedBooks(client *feed.Client, maxAge time.Duration) *FeedBooks {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &FeedBooks{client: client, maxAge: maxAge}
}

func (b *FeedBooks) Track(markets ...domain.Market) { b.client.Track(markets...) }

func (b *FeedBooks) Quote(m *domain.Market) bool { return b.client.State().Quote(m, b.maxAge) }

// CachedMarkets 所有 runner 共用一次候选市场拉取
type CachedMarkets struct {
	src   ports.MarketSource
	cache *cache.InMemoryCache[string, []domain.Market]
	ttl   time.Duration

	// 同一时刻只有一个 runner 去拉，其余等结果
	mu sync.Mutex
}

const candidatesKey = "candidates"

func NewCachedMarkets(src ports.MarketSource, ttl time.Duration, opts ...cache.Option) *CachedMarkets {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &CachedMarkets{
		src:   src,
		cache: cache.NewInMemoryCache[string, []domain.Market](ttl, opts...),
		ttl:   ttl,
	}
}

func (c *CachedMarkets) Candidates(ctx context.Context) ([]domain.Market, error) {
	if ms, ok := c.cache.Get(candidatesKey); ok {
		return ms, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms, ok := c.cache.Get(candidatesKey); ok {
		return ms, nil
	}
	ms, err := c.src.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(candidatesKey, ms, c.ttl)
	return ms, nil
}

func (c *CachedMarkets) Close() { c.cache.Close() }
