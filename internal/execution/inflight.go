package execution

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateInFlight 表示同一 bot/市场 的下单仍在 in-flight（或在 TTL 窗口内）。
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightDeduper 短时间窗口内的确定性去重。
//
// TWAP/冰山会阻塞数分钟，TTL 需要覆盖整个执行窗口；执行结束时调用 Release 提前释放。
type InFlightDeduper struct {
	ttl    time.Duration
	now    func() time.Time
	shards []inFlightShard
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, now: time.Now, shards: shards}
}

// InFlightKey bot 与市场组成去重 key
func InFlightKey(botID, marketID string) string {
	return botID + "|" + marketID
}

// TryAcquire 尝试获取 key 的 in-flight 令牌，失败返回 ErrDuplicateInFlight。
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理本 shard 的过期项
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(d.shards)))
	return &d.shards[idx]
}
