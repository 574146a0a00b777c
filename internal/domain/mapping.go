package domain

import (
	"time"
)

// PositionMapping 主从持仓映射
// 镜像开仓成功后建立，镜像平仓或对账孤儿清理时移除
// 不变量：每个 LeaderTicket 和每个 FollowerTicket 同时只存在一条映射（1:1）
type PositionMapping struct {
	LeaderTicket   int64     `json:"leaderTicket"`
	FollowerTicket int64     `json:"followerTicket"`
	Symbol         string    `json:"symbol"`
	Volume         float64   `json:"volume"`               // 跟单侧手数
	Side           Side      `json:"side"`                 // 跟单侧方向（反向跟单时与主账户相反）
	StopLoss       float64   `json:"stopLoss,omitempty"`   // 跟单侧最近一次下发的止损
	TakeProfit     float64   `json:"takeProfit,omitempty"` // 跟单侧最近一次下发的止盈
	OpenedAt       time.Time `json:"openedAt"`
}
