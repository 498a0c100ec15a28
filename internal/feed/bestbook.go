package feed

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/betbot/arena/internal/domain"
)

// AtomicBestBook 一个市场 YES/NO 两侧的 top-of-book，读写都不加锁。
//
// 价格单位 pips（价格 * 10000）；size 按 1e4 缩放存成 uint32。
type AtomicBestBook struct {
	// pricesPacked: [yes_bid:16][yes_ask:16][no_bid:16][no_ask:16]
	pricesPacked atomic.Uint64
	// bidSizesPacked: [yes:32][no:32]
	bidSizesPacked atomic.Uint64
	askSizesPacked atomic.Uint64

	updatedAtUnixMs atomic.Int64
}

type BestBookSnapshot struct {
	YesBidPips uint16
	YesAskPips uint16
	NoBidPips  uint16
	NoAskPips  uint16

	YesBidSizeScaled uint32
	YesAskSizeScaled uint32
	NoBidSizeScaled  uint32
	NoAskSizeScaled  uint32

	UpdatedAt time.Time
}

func NewAtomicBestBook() *AtomicBestBook {
	return &AtomicBestBook{}
}

// Reset 原地清空（调用方可能持有指针）
func (b *AtomicBestBook) Reset() {
	if b == nil {
		return
	}
	b.pricesPacked.Store(0)
	b.bidSizesPacked.Store(0)
	b.askSizesPacked.Store(0)
	b.updatedAtUnixMs.Store(0)
}

func (b *AtomicBestBook) Load() BestBookSnapshot {
	p := b.pricesPacked.Load()
	bids := b.bidSizesPacked.Load()
	asks := b.askSizesPacked.Load()
	ms := b.updatedAtUnixMs.Load()

	var t time.Time
	if ms > 0 {
		t = time.UnixMilli(ms)
	}
	return BestBookSnapshot{
		YesBidPips: uint16((p >> 48) & 0xFFFF),
		YesAskPips: uint16((p >> 32) & 0xFFFF),
		NoBidPips:  uint16((p >> 16) & 0xFFFF),
		NoAskPips:  uint16(p & 0xFFFF),

		YesBidSizeScaled: uint32((bids >> 32) & 0xFFFFFFFF),
		NoBidSizeScaled:  uint32(bids & 0xFFFFFFFF),
		YesAskSizeScaled: uint32((asks >> 32) & 0xFFFFFFFF),
		NoAskSizeScaled:  uint32(asks & 0xFFFFFFFF),

		UpdatedAt: t,
	}
}

func (b *AtomicBestBook) UpdatedAt() time.Time {
	ms := b.updatedAtUnixMs.Load()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (b *AtomicBestBook) IsFresh(now time.Time, maxAge time.Duration) bool {
	if b == nil {
		return false
	}
	t := b.UpdatedAt()
	if t.IsZero() {
		return false
	}
	return now.Sub(t) <= maxAge
}

// Update 更新一侧的 bid/ask；0 表示该字段不变
func (b *AtomicBestBook) Update(side domain.Side, bidPips, askPips uint16, bidSizeScaled, askSizeScaled uint32, at time.Time) {
	if b == nil || !side.Valid() {
		return
	}
	for {
		cur := b.pricesPacked.Load()
		yesBid := uint16((cur >> 48) & 0xFFFF)
		yesAsk := uint16((cur >> 32) & 0xFFFF)
		noBid := uint16((cur >> 16) & 0xFFFF)
		noAsk := uint16(cur & 0xFFFF)

		if side == domain.SideYes {
			if bidPips != 0 {
				yesBid = bidPips
			}
			if askPips != 0 {
				yesAsk = askPips
			}
		} else {
			if bidPips != 0 {
				noBid = bidPips
			}
			if askPips != 0 {
				noAsk = askPips
			}
		}
		if b.pricesPacked.CompareAndSwap(cur, packPrices(yesBid, yesAsk, noBid, noAsk)) {
			break
		}
	}

	// size 与价格分开更新，允许轻微不一致
	if bidSizeScaled != 0 {
		casSize(&b.bidSizesPacked, side, bidSizeScaled)
	}
	if askSizeScaled != 0 {
		casSize(&b.askSizesPacked, side, askSizeScaled)
	}
	b.updatedAtUnixMs.Store(at.UnixMilli())
}

func casSize(v *atomic.Uint64, side domain.Side, size uint32) {
	for {
		cur := v.Load()
		yes := uint32((cur >> 32) & 0xFFFFFFFF)
		no := uint32(cur & 0xFFFFFFFF)
		if side == domain.SideYes {
			yes = size
		} else {
			no = size
		}
		if v.CompareAndSwap(cur, packSizes(yes, no)) {
			return
		}
	}
}

// Apply 把快照里已知的报价覆盖到 market 上
func (s BestBookSnapshot) Apply(m *domain.Market) {
	if s.YesBidPips > 0 {
		m.YesBid = FromPips(s.YesBidPips)
	}
	if s.YesAskPips > 0 {
		m.YesAsk = FromPips(s.YesAskPips)
	}
	if s.NoBidPips > 0 {
		m.NoBid = FromPips(s.NoBidPips)
	}
	if s.NoAskPips > 0 {
		m.NoAsk = FromPips(s.NoAskPips)
	}
}

// ToPips 0~1 的价格转 pips，越界返回 0
func ToPips(price float64) uint16 {
	if price <= 0 || price >= 1 || math.IsNaN(price) {
		return 0
	}
	return uint16(math.Round(price * 10000))
}

func FromPips(p uint16) float64 {
	return float64(p) / 10000
}

// ScaleSize shares -> uint32(shares*1e4)，溢出截断
func ScaleSize(shares float64) uint32 {
	v := shares * 10000
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func packPrices(yesBid, yesAsk, noBid, noAsk uint16) uint64 {
	return (uint64(yesBid) << 48) | (uint64(yesAsk) << 32) | (uint64(noBid) << 16) | uint64(noAsk)
}

func packSizes(yes, no uint32) uint64 {
	return (uint64(yes) << 32) | uint64(no)
}
