package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrLossStreak 表示连亏熔断中，禁止继续交易。
var ErrLossStreak = fmt.Errorf("loss streak breaker open")

// BreakerConfig 连亏断路器配置。
// 约定：阈值 <= 0 表示关闭。
type BreakerConfig struct {
	// MaxConsecutiveLosses 连续亏损笔数上限，达到即熔断。
	MaxConsecutiveLosses int64

	// Cooldown 熔断持续时间，过后自动恢复。
	Cooldown time.Duration
}

// CircuitBreaker 单个 bot 的连亏断路器，结算回调与风控检查都走原子变量。
type CircuitBreaker struct {
	consecutiveLosses atomic.Int64
	haltedUntil       atomic.Int64 // unix nano，0 表示未熔断

	maxConsecutiveLosses atomic.Int64
	cooldown             atomic.Int64
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg BreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveLosses.Store(cfg.MaxConsecutiveLosses)
	cb.cooldown.Store(int64(cfg.Cooldown))
}

// Seed 重启时用账本里的连亏笔数预热（不会直接熔断）。
func (cb *CircuitBreaker) Seed(losses int) {
	if cb == nil {
		return
	}
	cb.consecutiveLosses.Store(int64(losses))
}

// Resume 手动恢复（同时清空连亏计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.haltedUntil.Store(0)
	cb.consecutiveLosses.Store(0)
}

// Allow 快路径检查。熔断过期后自动恢复。
func (cb *CircuitBreaker) Allow(now time.Time) error {
	if cb == nil {
		return nil
	}
	until := cb.haltedUntil.Load()
	if until == 0 {
		return nil
	}
	if now.UnixNano() < until {
		return ErrLossStreak
	}
	cb.haltedUntil.CompareAndSwap(until, 0)
	return nil
}

// HaltedUntil 熔断截止时间，未熔断返回零值
func (cb *CircuitBreaker) HaltedUntil() time.Time {
	if cb == nil {
		return time.Time{}
	}
	until := cb.haltedUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// OnWin 盈利结算后清空连亏计数。
func (cb *CircuitBreaker) OnWin() {
	if cb == nil {
		return
	}
	cb.consecutiveLosses.Store(0)
}

// OnLoss 累计连亏；达到上限时熔断并返回 true（计数清零，恢复后重新累计）。
func (cb *CircuitBreaker) OnLoss(now time.Time) bool {
	if cb == nil {
		return false
	}
	n := cb.consecutiveLosses.Add(1)
	limit := cb.maxConsecutiveLosses.Load()
	if limit <= 0 || n < limit {
		return false
	}
	if !cb.consecutiveLosses.CompareAndSwap(n, 0) {
		return false
	}
	cb.haltedUntil.Store(now.Add(time.Duration(cb.cooldown.Load())).UnixNano())
	return true
}
