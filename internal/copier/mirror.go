package copier

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hedgeedge/copier/internal/audit"
	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/internal/metrics"
	"github.com/hedgeedge/copier/internal/venue"
	"github.com/hedgeedge/copier/pkg/logger"
)

// 止损止盈相等判定的容差
const modifyEpsilon = 1e-6

func withinEpsilon(a, b float64) bool {
	return math.Abs(a-b) <= modifyEpsilon
}

// openMirrored 镜像开仓：重复事件静默忽略，失败只计数不重试
func (e *Engine) openMirrored(ctx context.Context, leader domain.LeaderPosition, origin audit.Origin) bool {
	if _, ok := e.mappings.ByLeader(leader.Ticket); ok {
		e.stats.bump(&e.stats.DuplicatesIgnored, metrics.DuplicatesIgnored)
		logger.Debugf("重复开仓事件忽略: 主单 #%d", leader.Ticket)
		return false
	}

	spec, err := e.symbolSpec(ctx, leader.Symbol)
	if err != nil {
		e.stats.bump(&e.stats.OpensFailed, metrics.OpensFailed)
		e.lastError = err.Error()
		logger.Errorf("品种规格查询失败 %s: %v", leader.Symbol, err)
		return false
	}

	req := MirrorOrder(leader, e.mirror, spec, e.venue.SupportedFillModes())
	fill, err := e.venue.OpenMarket(ctx, req)
	if err != nil {
		// 失败不重试，留待下一次对账修复
		e.stats.bump(&e.stats.OpensFailed, metrics.OpensFailed)
		e.lastError = err.Error()
		logger.Errorf("镜像开仓失败 主单 #%d %s: %v", leader.Ticket, leader.Symbol, err)
		return false
	}

	pm := domain.PositionMapping{
		LeaderTicket:   leader.Ticket,
		FollowerTicket: fill.Ticket,
		Symbol:         req.Symbol,
		Volume:         fill.Volume,
		Side:           req.Side,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		OpenedAt:       time.Now().UTC(),
	}
	if err := e.mappings.Add(pm); err != nil {
		logger.Errorf("映射写入失败 主单 #%d: %v", leader.Ticket, err)
	}
	e.writeAudit(audit.Entry{
		Action:         audit.ActionOpen,
		Origin:         origin,
		LeaderTicket:   leader.Ticket,
		FollowerTicket: fill.Ticket,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		Volume:         fill.Volume,
		Price:          fill.Price,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
	})
	e.stats.bump(&e.stats.OpensOK, metrics.OpensOK)
	logger.Infof("📈 镜像开仓 #%d→#%d %s %s %.2f @ %.5f",
		leader.Ticket, fill.Ticket, req.Side, req.Symbol, fill.Volume, fill.Price)
	return true
}

// closeMirrored 镜像平仓，返回映射是否被移除
// 执行端已不认识该单号时按已平仓清理映射
func (e *Engine) closeMirrored(ctx context.Context, leaderTicket int64, origin audit.Origin) bool {
	pm, ok := e.mappings.ByLeader(leaderTicket)
	if !ok {
		// 无映射的平仓信号静默跳过
		e.stats.bump(&e.stats.EventsDropped, metrics.EventsDropped)
		logger.Debugf("平仓事件无映射，跳过: 主单 #%d", leaderTicket)
		return false
	}

	fill, err := e.venue.ClosePosition(ctx, pm.FollowerTicket)
	if err != nil {
		if errors.Is(err, venue.ErrPositionNotFound) {
			e.mappings.RemoveByLeader(leaderTicket)
			e.stats.bump(&e.stats.Divergences, metrics.Divergences)
			logger.Warnf("跟单 #%d 已不在柜台，映射按已平仓清理", pm.FollowerTicket)
			return true
		}
		e.stats.bump(&e.stats.ClosesFailed, metrics.ClosesFailed)
		e.lastError = err.Error()
		logger.Errorf("镜像平仓失败 跟单 #%d: %v", pm.FollowerTicket, err)
		return false
	}

	e.mappings.RemoveByLeader(leaderTicket)
	e.writeAudit(audit.Entry{
		Action:         audit.ActionClose,
		Origin:         origin,
		LeaderTicket:   pm.LeaderTicket,
		FollowerTicket: pm.FollowerTicket,
		Symbol:         pm.Symbol,
		Side:           string(pm.Side),
		Volume:         fill.Volume,
		Price:          fill.Price,
		Profit:         fill.Profit,
		Swap:           fill.Swap,
		Commission:     fill.Commission,
	})
	e.stats.bump(&e.stats.ClosesOK, metrics.ClosesOK)
	logger.Infof("📉 镜像平仓 #%d→#%d %s 盈亏 %.2f",
		pm.LeaderTicket, pm.FollowerTicket, pm.Symbol, fill.Profit)
	return true
}

// modifyMirrored 跟随主账户改止损止盈，新旧值在容差内相等时跳过
func (e *Engine) modifyMirrored(ctx context.Context, leader domain.LeaderPosition) {
	if !e.mirror.CopyStopLossTakeProfit {
		return
	}
	pm, ok := e.mappings.ByLeader(leader.Ticket)
	if !ok {
		return
	}
	stopLoss, takeProfit := MirrorStops(leader, e.mirror)
	if withinEpsilon(pm.StopLoss, stopLoss) && withinEpsilon(pm.TakeProfit, takeProfit) {
		return
	}

	if err := e.venue.ModifyPosition(ctx, pm.FollowerTicket, stopLoss, takeProfit); err != nil {
		if errors.Is(err, venue.ErrPositionNotFound) {
			e.mappings.RemoveByLeader(leader.Ticket)
			e.stats.bump(&e.stats.Divergences, metrics.Divergences)
			logger.Warnf("跟单 #%d 已不在柜台，映射按已平仓清理", pm.FollowerTicket)
			return
		}
		e.stats.bump(&e.stats.ModifiesFailed, metrics.ModifiesFailed)
		e.lastError = err.Error()
		logger.Errorf("镜像改单失败 跟单 #%d: %v", pm.FollowerTicket, err)
		return
	}

	e.mappings.UpdateStops(leader.Ticket, stopLoss, takeProfit)
	e.writeAudit(audit.Entry{
		Action:         audit.ActionModify,
		Origin:         audit.OriginMirror,
		LeaderTicket:   pm.LeaderTicket,
		FollowerTicket: pm.FollowerTicket,
		Symbol:         pm.Symbol,
		Side:           string(pm.Side),
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
	})
	e.stats.bump(&e.stats.ModifiesOK, metrics.ModifiesOK)
	logger.Infof("✏️ 镜像改单 #%d→#%d SL=%.5f TP=%.5f",
		pm.LeaderTicket, pm.FollowerTicket, stopLoss, takeProfit)
}
