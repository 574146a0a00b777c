package events

import (
	"time"

	"github.com/hedgeedge/copier/internal/domain"
)

// Type 主账户事件类型
type Type string

const (
	TypePositionOpened   Type = "POSITION_OPENED"
	TypePositionClosed   Type = "POSITION_CLOSED"
	TypePositionModified Type = "POSITION_MODIFIED"
	TypePositionReversed Type = "POSITION_REVERSED" // 按平仓处理，不反向开新仓
	TypeHeartbeat        Type = "HEARTBEAT"
	TypeConnected        Type = "CONNECTED"
	TypeDisconnected     Type = "DISCONNECTED"
	TypeAccountUpdate    Type = "ACCOUNT_UPDATE"
)

// Known 判断是否为已知事件类型
func (t Type) Known() bool {
	switch t {
	case TypePositionOpened, TypePositionClosed, TypePositionModified,
		TypePositionReversed, TypeHeartbeat, TypeConnected,
		TypeDisconnected, TypeAccountUpdate:
		return true
	}
	return false
}

// IsLiveness 判断事件是否刷新主账户连接活性
func (t Type) IsLiveness() bool {
	return t != TypeDisconnected
}

// PositionEvent 持仓生命周期事件（开仓/平仓/修改/反向）
type PositionEvent struct {
	Type       Type
	Position   domain.LeaderPosition
	ReceivedAt time.Time
}

// AccountEvent 账户层事件（心跳/连接/断开/账户更新）
type AccountEvent struct {
	Type        Type
	Account     *domain.AccountSnapshot // 可能为空
	Positions   []domain.LeaderPosition // CONNECTED/ACCOUNT_UPDATE 可附带持仓
	HasSnapshot bool                    // true 表示 Positions 为权威全量，可用于对账
	ReceivedAt  time.Time
}

// Snapshot 主账户全量持仓快照（SNAPSHOT 主题）
type Snapshot struct {
	Positions  []domain.LeaderPosition
	Account    *domain.AccountSnapshot
	ReceivedAt time.Time
}

// TicketSet 返回快照中主账户持仓单号集合
func (s *Snapshot) TicketSet() map[int64]struct{} {
	set := make(map[int64]struct{}, len(s.Positions))
	for _, p := range s.Positions {
		set[p.Ticket] = struct{}{}
	}
	return set
}
