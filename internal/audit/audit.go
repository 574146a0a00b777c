package audit

import (
	"time"

	"github.com/hedgeedge/copier/internal/domain"
)

// Action 审计动作
type Action string

const (
	ActionOpen   Action = "OPEN"
	ActionClose  Action = "CLOSE"
	ActionModify Action = "MODIFY"
)

// Origin 动作来源
type Origin string

const (
	OriginMirror    Origin = "mirror"    // 事件驱动的跟单
	OriginReconcile Origin = "reconcile" // 对账修复
	OriginCommand   Origin = "command"   // 监管端手工指令
)

// Entry 一次已执行的改仓动作，每笔成交恰好一条，绝不重复
type Entry struct {
	Action         Action                  `json:"action"`
	Origin         Origin                  `json:"origin"`
	LeaderTicket   int64                   `json:"leaderTicket,omitempty"`
	FollowerTicket int64                   `json:"followerTicket"`
	Symbol         string                  `json:"symbol"`
	Side           string                  `json:"side,omitempty"`
	Volume         float64                 `json:"volume,omitempty"`
	Price          float64                 `json:"price,omitempty"`
	StopLoss       float64                 `json:"stopLoss,omitempty"`
	TakeProfit     float64                 `json:"takeProfit,omitempty"`
	Profit         float64                 `json:"profit,omitempty"`
	Swap           float64                 `json:"swap,omitempty"`
	Commission     float64                 `json:"commission,omitempty"`
	Account        *domain.AccountSnapshot `json:"account,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

// Writer 审计落地通道，供监管端离线对账
type Writer interface {
	Write(entry Entry) error
	Close() error
}

// stamp 补齐缺省时间戳
func stamp(entry *Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
}
