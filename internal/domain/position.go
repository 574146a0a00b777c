package domain

// Side 持仓方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid 检查方向是否合法
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回反方向（反向跟单时使用）
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// FillMode 市价单成交模式
type FillMode string

const (
	FillIOC    FillMode = "IOC"    // 立即成交剩余撤销
	FillFOK    FillMode = "FOK"    // 全部成交否则撤销
	FillReturn FillMode = "RETURN" // 交易所默认撮合
)

// FillModePreference 成交模式优先级：IOC 优先，按执行端能力依次降级
var FillModePreference = []FillMode{FillIOC, FillFOK, FillReturn}

// LeaderPosition 主账户持仓（来自离散事件或全量快照）
type LeaderPosition struct {
	Ticket     int64
	Symbol     string
	Side       Side
	Volume     float64 // 手数
	StopLoss   float64 // 0 表示未设置
	TakeProfit float64 // 0 表示未设置
}

// FollowerPosition 跟单账户持仓（来自执行端查询）
type FollowerPosition struct {
	Ticket       int64
	Symbol       string
	Side         Side
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	Profit       float64
	Swap         float64
	Comment      string
}

// SymbolSpec 品种交易约束（手数步长与上下限来自执行端）
type SymbolSpec struct {
	Symbol  string
	LotMin  float64
	LotMax  float64
	LotStep float64
	Digits  int // 价格小数位
}
