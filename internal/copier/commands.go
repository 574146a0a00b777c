package copier

import (
	"errors"
	"fmt"

	"github.com/hedgeedge/copier/internal/audit"
	"github.com/hedgeedge/copier/internal/command"
	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/internal/metrics"
	"github.com/hedgeedge/copier/internal/venue"
	"github.com/hedgeedge/copier/pkg/logger"
)

// registerCommands 注册指令通道的全部处理器
// 处理器由 PollOnce 在引擎 goroutine 内调用，可以直接读写映射表与跟单配置
func (e *Engine) registerCommands() {
	s := e.commands

	s.Handle("PING", func(req *command.Request) command.Response {
		return command.OK(req.Action)
	})

	s.Handle("PAUSE", func(req *command.Request) command.Response {
		e.paused = true
		logger.Warn("⏸️ 跟单已暂停（仍持续收取事件）")
		return command.OK(req.Action).With("paused", true)
	})

	s.Handle("RESUME", func(req *command.Request) command.Response {
		e.paused = false
		logger.Info("▶️ 跟单已恢复")
		return command.OK(req.Action).With("paused", false)
	})

	s.Handle("STATUS", func(req *command.Request) command.Response {
		resp := command.OK(req.Action).
			With("licensed", e.gate.Allowed()).
			With("license", string(e.gate.State())).
			With("connected", e.connected).
			With("paused", e.paused).
			With("mappings", e.mappings.Len()).
			With("stats", e.stats).
			With("config", e.mirror)
		if e.lastError != "" {
			resp.With("lastError", e.lastError)
		}
		if e.account != nil {
			resp.With("account", e.account)
		}
		if positions, err := e.venue.Positions(e.runCtx); err == nil {
			resp.With("positions", positions)
		}
		return resp
	})

	s.Handle("CONFIG", func(req *command.Request) command.Response {
		return command.OK(req.Action).With("config", e.mirror)
	})

	s.Handle("SET_CONFIG", func(req *command.Request) command.Response {
		lotMultiplier, hasMultiplier := req.Float("lotMultiplier")
		if hasMultiplier && lotMultiplier < 0 {
			return command.Fail(req.Action, "lotMultiplier 不能为负")
		}
		fixedLots, hasFixed := req.Float("fixedLots")
		if hasFixed && fixedLots < 0 {
			return command.Fail(req.Action, "fixedLots 不能为负")
		}

		if v, ok := req.Bool("invertTrades"); ok {
			e.mirror.InvertTrades = v
		}
		if v, ok := req.Bool("copyStopLossTakeProfit"); ok {
			e.mirror.CopyStopLossTakeProfit = v
		}
		if hasMultiplier {
			e.mirror.LotMultiplier = lotMultiplier
		}
		if hasFixed {
			e.mirror.FixedLots = fixedLots
		}
		logger.Infof("⚙️ 跟单配置热更新: invert=%v copySLTP=%v multiplier=%v fixed=%v",
			e.mirror.InvertTrades, e.mirror.CopyStopLossTakeProfit,
			e.mirror.LotMultiplier, e.mirror.FixedLots)
		return command.OK(req.Action).With("config", e.mirror)
	})

	s.Handle("OPEN_POSITION", func(req *command.Request) command.Response {
		symbol, ok := req.String("symbol")
		if !ok || symbol == "" {
			return command.Fail(req.Action, "缺少 symbol")
		}
		sideRaw, ok := req.String("side")
		if !ok {
			return command.Fail(req.Action, "缺少 side")
		}
		side := domain.Side(sideRaw)
		if !side.Valid() {
			return command.Fail(req.Action, fmt.Sprintf("side 非法: %q", sideRaw))
		}
		volume, ok := req.Float("volume")
		if !ok || volume <= 0 {
			return command.Fail(req.Action, "volume 必须为正数")
		}
		stopLoss, _ := req.Float("stopLoss")
		takeProfit, _ := req.Float("takeProfit")

		fill, err := e.manualOpen(symbol, side, volume, stopLoss, takeProfit)
		if err != nil {
			return command.Fail(req.Action, err.Error())
		}
		return command.OK(req.Action).
			With("ticket", fill.Ticket).
			With("price", fill.Price).
			With("volume", fill.Volume)
	})

	s.Handle("MODIFY_POSITION", func(req *command.Request) command.Response {
		ticket, ok := req.Int("ticket")
		if !ok || ticket <= 0 {
			return command.Fail(req.Action, "缺少 ticket")
		}
		stopLoss, _ := req.Float("stopLoss")
		takeProfit, _ := req.Float("takeProfit")
		if err := e.manualModify(ticket, stopLoss, takeProfit); err != nil {
			return command.Fail(req.Action, err.Error())
		}
		return command.OK(req.Action).With("ticket", ticket)
	})

	s.Handle("CLOSE_POSITION", func(req *command.Request) command.Response {
		ticket, ok := req.Int("ticket")
		if !ok || ticket <= 0 {
			return command.Fail(req.Action, "缺少 ticket")
		}
		fill, err := e.manualClose(ticket)
		if err != nil {
			return command.Fail(req.Action, err.Error())
		}
		return command.OK(req.Action).
			With("ticket", ticket).
			With("price", fill.Price).
			With("profit", fill.Profit)
	})

	s.Handle("CLOSE_ALL", func(req *command.Request) command.Response {
		closed, failures := e.closeAll()
		resp := command.OK(req.Action).With("closedCount", closed)
		if len(failures) > 0 {
			resp["success"] = false
			resp.With("failures", failures)
		}
		return resp
	})
}

// manualOpen 监管端直接开仓，绕过镜像变换，不建映射
func (e *Engine) manualOpen(symbol string, side domain.Side, volume, stopLoss, takeProfit float64) (*venue.Fill, error) {
	fill, err := e.venue.OpenMarket(e.runCtx, venue.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		FillMode:   PickFillMode(e.venue.SupportedFillModes()),
		Comment:    "manual",
	})
	if err != nil {
		e.stats.bump(&e.stats.OpensFailed, metrics.OpensFailed)
		return nil, err
	}
	e.writeAudit(audit.Entry{
		Action:         audit.ActionOpen,
		Origin:         audit.OriginCommand,
		FollowerTicket: fill.Ticket,
		Symbol:         symbol,
		Side:           string(side),
		Volume:         fill.Volume,
		Price:          fill.Price,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
	})
	e.stats.bump(&e.stats.OpensOK, metrics.OpensOK)
	logger.Infof("📈 手工开仓 #%d %s %s %.2f", fill.Ticket, side, symbol, fill.Volume)
	return fill, nil
}

// manualModify 监管端直接改单，命中映射时同步记录的止损止盈
func (e *Engine) manualModify(ticket int64, stopLoss, takeProfit float64) error {
	if err := e.venue.ModifyPosition(e.runCtx, ticket, stopLoss, takeProfit); err != nil {
		e.stats.bump(&e.stats.ModifiesFailed, metrics.ModifiesFailed)
		return err
	}
	symbol := ""
	if pm, ok := e.mappings.ByFollower(ticket); ok {
		e.mappings.UpdateStops(pm.LeaderTicket, stopLoss, takeProfit)
		symbol = pm.Symbol
	}
	e.writeAudit(audit.Entry{
		Action:         audit.ActionModify,
		Origin:         audit.OriginCommand,
		FollowerTicket: ticket,
		Symbol:         symbol,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
	})
	e.stats.bump(&e.stats.ModifiesOK, metrics.ModifiesOK)
	return nil
}

// manualClose 监管端直接平仓，命中映射时一并移除
func (e *Engine) manualClose(ticket int64) (*venue.Fill, error) {
	pm, mapped := e.mappings.ByFollower(ticket)
	fill, err := e.venue.ClosePosition(e.runCtx, ticket)
	if err != nil {
		if errors.Is(err, venue.ErrPositionNotFound) && mapped {
			e.mappings.RemoveByFollower(ticket)
			e.stats.bump(&e.stats.Divergences, metrics.Divergences)
		} else {
			e.stats.bump(&e.stats.ClosesFailed, metrics.ClosesFailed)
		}
		return nil, err
	}
	entry := audit.Entry{
		Action:         audit.ActionClose,
		Origin:         audit.OriginCommand,
		FollowerTicket: ticket,
		Volume:         fill.Volume,
		Price:          fill.Price,
		Profit:         fill.Profit,
		Swap:           fill.Swap,
		Commission:     fill.Commission,
	}
	if mapped {
		e.mappings.RemoveByFollower(ticket)
		entry.LeaderTicket = pm.LeaderTicket
		entry.Symbol = pm.Symbol
		entry.Side = string(pm.Side)
	}
	e.writeAudit(entry)
	e.stats.bump(&e.stats.ClosesOK, metrics.ClosesOK)
	logger.Infof("📉 手工平仓 #%d 盈亏 %.2f", ticket, fill.Profit)
	return fill, nil
}

// closeAll 平掉跟单账户全部持仓并清空映射表
func (e *Engine) closeAll() (closed int, failures []string) {
	positions, err := e.venue.Positions(e.runCtx)
	if err != nil {
		return 0, []string{fmt.Sprintf("查询持仓失败: %v", err)}
	}

	stillOpen := make(map[int64]struct{})
	for _, pos := range positions {
		pm, mapped := e.mappings.ByFollower(pos.Ticket)
		fill, err := e.venue.ClosePosition(e.runCtx, pos.Ticket)
		if err != nil {
			if errors.Is(err, venue.ErrPositionNotFound) {
				// 已经没了，视作平掉
				if mapped {
					e.mappings.RemoveByFollower(pos.Ticket)
				}
				e.stats.bump(&e.stats.Divergences, metrics.Divergences)
				closed++
				continue
			}
			e.stats.bump(&e.stats.ClosesFailed, metrics.ClosesFailed)
			failures = append(failures, fmt.Sprintf("#%d: %v", pos.Ticket, err))
			stillOpen[pos.Ticket] = struct{}{}
			continue
		}
		closed++
		entry := audit.Entry{
			Action:         audit.ActionClose,
			Origin:         audit.OriginCommand,
			FollowerTicket: pos.Ticket,
			Symbol:         pos.Symbol,
			Side:           string(pos.Side),
			Volume:         fill.Volume,
			Price:          fill.Price,
			Profit:         fill.Profit,
			Swap:           fill.Swap,
			Commission:     fill.Commission,
		}
		if mapped {
			e.mappings.RemoveByFollower(pos.Ticket)
			entry.LeaderTicket = pm.LeaderTicket
		}
		e.writeAudit(entry)
		e.stats.bump(&e.stats.ClosesOK, metrics.ClosesOK)
	}

	// 柜台已不存在对应持仓的残留映射按散度清空，平仓失败的保留待下轮处理
	for _, pm := range e.mappings.All() {
		if _, open := stillOpen[pm.FollowerTicket]; open {
			continue
		}
		e.mappings.RemoveByLeader(pm.LeaderTicket)
		e.stats.bump(&e.stats.Divergences, metrics.Divergences)
	}
	logger.Warnf("🧹 全部平仓完成: 平掉 %d 笔, 失败 %d 笔", closed, len(failures))
	return closed, failures
}
