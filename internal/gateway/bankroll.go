package gateway

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

// PnLSource 账本已实现盈亏
type PnLSource interface {
	RealizedPnL(ctx context.Context) (float64, error)
}

// LedgerBankroll 纸交易资金 = 初始资金 + 已实现盈亏
type LedgerBankroll struct {
	store PnLSource
	start float64
}

func NewLedgerBankroll(store PnLSource, start float64) *LedgerBankroll {
	return &LedgerBankroll{store: store, start: start}
}

func (b *LedgerBankroll) Current(ctx context.Context) (float64, error) {
	pnl, err := b.store.RealizedPnL(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "realized pnl")
	}
	return b.start + pnl, nil
}

// HTTPBankroll 实盘资金 GET /api/balance
type HTTPBankroll struct {
	client *sdkhttp.Client
}

func NewHTTPBankroll(client *sdkhttp.Client) *HTTPBankroll {
	return &HTTPBankroll{client: client}
}

func (b *HTTPBankroll) Current(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
		USDC    float64 `json:"usdc"`
	}
	if _, err := b.client.DoRequest(ctx, http.MethodGet, "/api/balance", nil, &out); err != nil {
		return 0, asError(err)
	}
	if out.Balance == 0 {
		return out.USDC, nil
	}
	return out.Balance, nil
}
