package venue

import (
	"context"
	"errors"
	"sync"

	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/pkg/logger"
	"github.com/hedgeedge/copier/pkg/persistence"
)

// PaperVenue 纸面柜台：不触达真实账户，成交全部在内存中模拟
// 用于 dry-run 演练跟单链路，状态落盘以便重启后延续
type PaperVenue struct {
	mu         sync.Mutex
	balance    float64
	currency   string
	positions  map[int64]domain.FollowerPosition
	prices     map[string]float64
	specs      map[string]domain.SymbolSpec
	nextTicket int64
	store      persistence.Store
}

// paperState 落盘格式
type paperState struct {
	Balance    float64                           `json:"balance"`
	Currency   string                            `json:"currency"`
	NextTicket int64                             `json:"nextTicket"`
	Positions  map[int64]domain.FollowerPosition `json:"positions"`
}

// NewPaper 创建纸面柜台，store 可为空（不落盘）
func NewPaper(store persistence.Store) *PaperVenue {
	v := &PaperVenue{
		balance:    100000,
		currency:   "USD",
		positions:  make(map[int64]domain.FollowerPosition),
		prices:     make(map[string]float64),
		specs:      make(map[string]domain.SymbolSpec),
		nextTicket: 1,
		store:      store,
	}
	v.restore()
	return v
}

func (v *PaperVenue) restore() {
	if v.store == nil {
		return
	}
	var st paperState
	if err := v.store.Load(&st); err != nil {
		if !errors.Is(err, persistence.ErrNotExists) {
			logger.Warnf("纸面柜台状态恢复失败: %v", err)
		}
		return
	}
	if st.Positions != nil {
		v.positions = st.Positions
	}
	if st.Balance != 0 {
		v.balance = st.Balance
	}
	if st.Currency != "" {
		v.currency = st.Currency
	}
	if st.NextTicket > v.nextTicket {
		v.nextTicket = st.NextTicket
	}
	logger.Infof("纸面柜台状态已恢复: %d 笔持仓", len(v.positions))
}

// persist 调用方须持锁
func (v *PaperVenue) persist() {
	if v.store == nil {
		return
	}
	st := paperState{
		Balance:    v.balance,
		Currency:   v.currency,
		NextTicket: v.nextTicket,
		Positions:  v.positions,
	}
	if err := v.store.Save(&st); err != nil {
		logger.Warnf("纸面柜台状态落盘失败: %v", err)
	}
}

// SetPrice 设置品种的模拟成交价
func (v *PaperVenue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

// SetSymbolSpec 覆盖品种规格，未设置的品种用默认规格
func (v *PaperVenue) SetSymbolSpec(spec domain.SymbolSpec) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.specs[spec.Symbol] = spec
}

// priceOf 调用方须持锁
func (v *PaperVenue) priceOf(symbol string) float64 {
	if p, ok := v.prices[symbol]; ok {
		return p
	}
	return 1.0
}

// SymbolSpec 查询品种手数规格
func (v *PaperVenue) SymbolSpec(_ context.Context, symbol string) (domain.SymbolSpec, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if spec, ok := v.specs[symbol]; ok {
		return spec, nil
	}
	return domain.SymbolSpec{Symbol: symbol, LotMin: 0.01, LotMax: 100, LotStep: 0.01, Digits: 5}, nil
}

// OpenMarket 模拟市价开仓，立即全量成交
func (v *PaperVenue) OpenMarket(_ context.Context, req OrderRequest) (*Fill, error) {
	if req.Volume <= 0 {
		return nil, &ExecutionError{Op: "open", Symbol: req.Symbol, Message: "手数非法"}
	}
	if !req.Side.Valid() {
		return nil, &ExecutionError{Op: "open", Symbol: req.Symbol, Message: "侧别非法"}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	ticket := v.nextTicket
	v.nextTicket++
	price := v.priceOf(req.Symbol)
	v.positions[ticket] = domain.FollowerPosition{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Comment:      req.Comment,
	}
	v.persist()
	logger.Debugf("[paper] 开仓 #%d %s %s %.2f @ %.5f", ticket, req.Side, req.Symbol, req.Volume, price)
	return &Fill{Ticket: ticket, Price: price, Volume: req.Volume}, nil
}

// ClosePosition 模拟平仓
func (v *PaperVenue) ClosePosition(_ context.Context, ticket int64) (*Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[ticket]
	if !ok {
		return nil, ErrPositionNotFound
	}
	delete(v.positions, ticket)
	v.balance += pos.Profit
	v.persist()
	price := v.priceOf(pos.Symbol)
	logger.Debugf("[paper] 平仓 #%d %s @ %.5f", ticket, pos.Symbol, price)
	return &Fill{
		Ticket: ticket,
		Price:  price,
		Volume: pos.Volume,
		Profit: pos.Profit,
		Swap:   pos.Swap,
	}, nil
}

// ModifyPosition 修改止损止盈
func (v *PaperVenue) ModifyPosition(_ context.Context, ticket int64, stopLoss, takeProfit float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	v.positions[ticket] = pos
	v.persist()
	return nil
}

// Positions 返回当前全部持仓
func (v *PaperVenue) Positions(_ context.Context) ([]domain.FollowerPosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.FollowerPosition, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	return out, nil
}

// Account 返回模拟账户快照
func (v *PaperVenue) Account(_ context.Context) (*domain.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	equity := v.balance
	for _, p := range v.positions {
		equity += p.Profit
	}
	return &domain.AccountSnapshot{
		Balance:    v.balance,
		Equity:     equity,
		FreeMargin: equity,
		Currency:   v.currency,
	}, nil
}

// SupportedFillModes 纸面柜台只声明 IOC
func (v *PaperVenue) SupportedFillModes() []domain.FillMode {
	return []domain.FillMode{domain.FillIOC}
}

var _ Venue = (*PaperVenue)(nil)
