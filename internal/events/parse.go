package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hedgeedge/copier/internal/domain"
)

// ParseError 载荷解析失败（协议错误：记录后丢弃，不致命）
type ParseError struct {
	Topic  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("解析 %s 载荷失败: %s", e.Topic, e.Reason)
}

func parseErrorf(topic, format string, args ...interface{}) *ParseError {
	return &ParseError{Topic: topic, Reason: fmt.Sprintf(format, args...)}
}

// envelope EVENT 主题的外层信封
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// positionPayload 持仓事件 data 字段
// 侧别沿用主端的 "type" 键名，单号键名为 "position"
type positionPayload struct {
	Ticket     int64   `json:"position"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"type"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
}

// accountPayload 账户层事件 data 字段，所有字段均可缺省
type accountPayload struct {
	Balance    float64            `json:"balance"`
	Equity     float64            `json:"equity"`
	Margin     float64            `json:"margin"`
	FreeMargin float64            `json:"freeMargin"`
	Currency   string             `json:"currency"`
	Positions  []snapshotPosition `json:"positions"`
}

// snapshotPosition 全量快照中的单个持仓
// 手数兼容 "volumeLots" 与 "volume" 两种键名
type snapshotPosition struct {
	ID         int64    `json:"id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	VolumeLots *float64 `json:"volumeLots"`
	Volume     *float64 `json:"volume"`
	StopLoss   float64  `json:"stopLoss"`
	TakeProfit float64  `json:"takeProfit"`
}

type snapshotPayload struct {
	Positions  []snapshotPosition `json:"positions"`
	Balance    float64            `json:"balance"`
	Equity     float64            `json:"equity"`
	Margin     float64            `json:"margin"`
	FreeMargin float64            `json:"freeMargin"`
	Currency   string             `json:"currency"`
}

// ParseEvent 解析 EVENT 主题载荷为持仓事件或账户事件
// 返回值恰有一个非空；未知类型返回 ParseError，调用方计数后丢弃
func ParseEvent(payload []byte, now time.Time) (*PositionEvent, *AccountEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, parseErrorf("EVENT", "信封非法 JSON: %v", err)
	}
	if env.Type == "" {
		return nil, nil, parseErrorf("EVENT", "缺少 type 字段")
	}
	if !env.Type.Known() {
		return nil, nil, parseErrorf("EVENT", "未知事件类型 %q", env.Type)
	}

	switch env.Type {
	case TypePositionOpened, TypePositionClosed, TypePositionModified, TypePositionReversed:
		pos, err := parsePosition(env.Data)
		if err != nil {
			return nil, nil, err
		}
		return &PositionEvent{Type: env.Type, Position: *pos, ReceivedAt: now}, nil, nil

	default:
		acct := &AccountEvent{Type: env.Type, ReceivedAt: now}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			var ap accountPayload
			if err := json.Unmarshal(env.Data, &ap); err != nil {
				return nil, nil, parseErrorf("EVENT", "%s data 非法 JSON: %v", env.Type, err)
			}
			if ap.Currency != "" || ap.Equity != 0 || ap.Balance != 0 {
				acct.Account = &domain.AccountSnapshot{
					Balance:    ap.Balance,
					Equity:     ap.Equity,
					Margin:     ap.Margin,
					FreeMargin: ap.FreeMargin,
					Currency:   ap.Currency,
				}
			}
			if ap.Positions != nil {
				positions, err := convertSnapshotPositions("EVENT", ap.Positions)
				if err != nil {
					return nil, nil, err
				}
				acct.Positions = positions
				acct.HasSnapshot = true
			}
		}
		return nil, acct, nil
	}
}

// ParseSnapshot 解析 SNAPSHOT 主题载荷
func ParseSnapshot(payload []byte, now time.Time) (*Snapshot, error) {
	var sp snapshotPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return nil, parseErrorf("SNAPSHOT", "非法 JSON: %v", err)
	}
	positions, err := convertSnapshotPositions("SNAPSHOT", sp.Positions)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Positions: positions, ReceivedAt: now}
	if sp.Currency != "" || sp.Equity != 0 || sp.Balance != 0 {
		snap.Account = &domain.AccountSnapshot{
			Balance:    sp.Balance,
			Equity:     sp.Equity,
			Margin:     sp.Margin,
			FreeMargin: sp.FreeMargin,
			Currency:   sp.Currency,
		}
	}
	return snap, nil
}

func parsePosition(data json.RawMessage) (*domain.LeaderPosition, error) {
	if len(data) == 0 {
		return nil, parseErrorf("EVENT", "持仓事件缺少 data")
	}
	var pp positionPayload
	if err := json.Unmarshal(data, &pp); err != nil {
		return nil, parseErrorf("EVENT", "持仓 data 非法 JSON: %v", err)
	}
	side := domain.Side(pp.Side)
	if reason := positionProblem(pp.Ticket, pp.Symbol, side, pp.Volume); reason != "" {
		return nil, parseErrorf("EVENT", "%s", reason)
	}
	return &domain.LeaderPosition{
		Ticket:     pp.Ticket,
		Symbol:     pp.Symbol,
		Side:       side,
		Volume:     pp.Volume,
		StopLoss:   pp.StopLoss,
		TakeProfit: pp.TakeProfit,
	}, nil
}

func convertSnapshotPositions(topic string, raw []snapshotPosition) ([]domain.LeaderPosition, error) {
	positions := make([]domain.LeaderPosition, 0, len(raw))
	for i, sp := range raw {
		volume := 0.0
		switch {
		case sp.VolumeLots != nil:
			volume = *sp.VolumeLots
		case sp.Volume != nil:
			volume = *sp.Volume
		}
		side := domain.Side(sp.Side)
		if reason := positionProblem(sp.ID, sp.Symbol, side, volume); reason != "" {
			return nil, parseErrorf(topic, "positions[%d]: %s", i, reason)
		}
		positions = append(positions, domain.LeaderPosition{
			Ticket:     sp.ID,
			Symbol:     sp.Symbol,
			Side:       side,
			Volume:     volume,
			StopLoss:   sp.StopLoss,
			TakeProfit: sp.TakeProfit,
		})
	}
	return positions, nil
}

// positionProblem 校验持仓字段，合法时返回空串
func positionProblem(ticket int64, symbol string, side domain.Side, volume float64) string {
	if ticket <= 0 {
		return fmt.Sprintf("单号非法: %d", ticket)
	}
	if symbol == "" {
		return "缺少 symbol"
	}
	if !side.Valid() {
		return fmt.Sprintf("侧别非法: %q", side)
	}
	if volume <= 0 {
		return fmt.Sprintf("手数非法: %v", volume)
	}
	return ""
}
