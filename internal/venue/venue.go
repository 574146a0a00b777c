package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hedgeedge/copier/internal/domain"
)

// ErrPositionNotFound 柜台已不认识该单号，调用方按已平仓处理
var ErrPositionNotFound = errors.New("position not found")

// ExecutionError 柜台拒单，调用方计数后放弃，不自动重试
type ExecutionError struct {
	Op      string
	Symbol  string
	Retcode int
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Retcode != 0 {
		return fmt.Sprintf("venue %s %s: retcode=%d %s", e.Op, e.Symbol, e.Retcode, e.Message)
	}
	return fmt.Sprintf("venue %s %s: %s", e.Op, e.Symbol, e.Message)
}

// OrderRequest 市价单参数
type OrderRequest struct {
	Symbol     string
	Side       domain.Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	FillMode   domain.FillMode
	Comment    string
}

// Fill 成交回报，平仓回报额外携带已实现盈亏
type Fill struct {
	Ticket     int64
	Price      float64
	Volume     float64
	Profit     float64
	Swap       float64
	Commission float64
}

// Venue 跟单账户柜台
type Venue interface {
	// SymbolSpec 查询品种手数规格
	SymbolSpec(ctx context.Context, symbol string) (domain.SymbolSpec, error)
	// OpenMarket 市价开仓
	OpenMarket(ctx context.Context, req OrderRequest) (*Fill, error)
	// ClosePosition 市价平仓，单号不存在返回 ErrPositionNotFound
	ClosePosition(ctx context.Context, ticket int64) (*Fill, error)
	// ModifyPosition 修改止损止盈，单号不存在返回 ErrPositionNotFound
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	// Positions 返回当前全部持仓
	Positions(ctx context.Context) ([]domain.FollowerPosition, error)
	// Account 返回账户快照
	Account(ctx context.Context) (*domain.AccountSnapshot, error)
	// SupportedFillModes 按优先级降序返回支持的成交模式
	SupportedFillModes() []domain.FillMode
}
