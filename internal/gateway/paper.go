package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/betbot/arena/internal/domain"
)

// PaperGateway 纸交易：按限价立即全部成交
type PaperGateway struct {
	mu     sync.Mutex
	orders []domain.OrderSpec
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{}
}

func (g *PaperGateway) Place(_ context.Context, spec domain.OrderSpec) (domain.Fill, error) {
	if spec.Price <= 0 || spec.Price >= 1 {
		return domain.Fill{}, &Error{Code: http.StatusBadRequest, Message: "price out of range"}
	}
	if spec.Amount <= 0 {
		return domain.Fill{}, &Error{Code: http.StatusBadRequest, Message: "amount must be positive"}
	}
	g.mu.Lock()
	g.orders = append(g.orders, spec)
	g.mu.Unlock()
	return domain.Fill{
		FilledAmount: spec.Amount,
		AvgPrice:     spec.Price,
		Shares:       spec.Amount / spec.Price,
		ExternalID:   "paper-" + uuid.NewString(),
	}, nil
}

// Orders 已下单记录（副本）
func (g *PaperGateway) Orders() []domain.OrderSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderSpec(nil), g.orders...)
}
