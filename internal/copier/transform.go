package copier

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/internal/venue"
	"github.com/hedgeedge/copier/pkg/config"
)

// ComputeVolume 计算跟单手数：fixedLots 非零时直接用 fixedLots，
// 否则主手数乘 lotMultiplier；向下取整到品种步长，再夹到 [lotMin, min(lotMax, maxLots)]
func ComputeVolume(leaderVolume float64, mirror config.MirrorConfig, spec domain.SymbolSpec) float64 {
	raw := decimal.NewFromFloat(leaderVolume).Mul(decimal.NewFromFloat(mirror.LotMultiplier))
	if mirror.FixedLots > 0 {
		raw = decimal.NewFromFloat(mirror.FixedLots)
	}

	if step := decimal.NewFromFloat(spec.LotStep); step.IsPositive() {
		raw = raw.Div(step).Floor().Mul(step)
	}

	lower := decimal.NewFromFloat(spec.LotMin)
	upper := decimal.NewFromFloat(spec.LotMax)
	if mirror.MaxLots > 0 {
		if limit := decimal.NewFromFloat(mirror.MaxLots); limit.LessThan(upper) {
			upper = limit
		}
	}
	if raw.LessThan(lower) {
		raw = lower
	}
	if raw.GreaterThan(upper) {
		raw = upper
	}
	out, _ := raw.Float64()
	return out
}

// MirrorOrder 把主账户持仓变换成跟单市价单参数
func MirrorOrder(leader domain.LeaderPosition, mirror config.MirrorConfig, spec domain.SymbolSpec, supported []domain.FillMode) venue.OrderRequest {
	side := leader.Side
	stopLoss, takeProfit := MirrorStops(leader, mirror)
	if mirror.InvertTrades {
		side = side.Opposite()
	}
	return venue.OrderRequest{
		Symbol:     leader.Symbol,
		Side:       side,
		Volume:     ComputeVolume(leader.Volume, mirror, spec),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		FillMode:   PickFillMode(supported),
		Comment:    fmt.Sprintf("copy #%d", leader.Ticket),
	}
}

// MirrorStops 按配置换算跟单侧止损止盈
// 反向跟单且复制止损止盈时两者互换：主账户的止盈是跟单的止损，反之亦然
func MirrorStops(leader domain.LeaderPosition, mirror config.MirrorConfig) (stopLoss, takeProfit float64) {
	if !mirror.CopyStopLossTakeProfit {
		return 0, 0
	}
	if mirror.InvertTrades {
		return leader.TakeProfit, leader.StopLoss
	}
	return leader.StopLoss, leader.TakeProfit
}

// PickFillMode 按 IOC > FOK > RETURN 的优先级取执行端支持的第一个模式
func PickFillMode(supported []domain.FillMode) domain.FillMode {
	for _, preferred := range domain.FillModePreference {
		for _, mode := range supported {
			if preferred == mode {
				return preferred
			}
		}
	}
	return domain.FillReturn
}
