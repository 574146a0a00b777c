package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hedgeedge/copier/internal/domain"
)

var now = time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)

func TestParseEvent_PositionOpened(t *testing.T) {
	payload := []byte(`{"type":"POSITION_OPENED","data":{"position":12345,"symbol":"EURUSD","type":"BUY","volume":1.0,"stopLoss":1.0950,"takeProfit":1.1050}}`)

	pos, acct, err := ParseEvent(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if acct != nil {
		t.Fatalf("持仓事件不应返回账户事件")
	}
	if pos.Type != TypePositionOpened {
		t.Fatalf("type=%s", pos.Type)
	}
	want := domain.LeaderPosition{Ticket: 12345, Symbol: "EURUSD", Side: domain.SideBuy, Volume: 1.0, StopLoss: 1.0950, TakeProfit: 1.1050}
	if pos.Position != want {
		t.Fatalf("position=%+v, want %+v", pos.Position, want)
	}
	if !pos.ReceivedAt.Equal(now) {
		t.Fatalf("receivedAt=%v", pos.ReceivedAt)
	}
}

func TestParseEvent_ReversedIsKnown(t *testing.T) {
	payload := []byte(`{"type":"POSITION_REVERSED","data":{"position":7,"symbol":"XAUUSD","type":"SELL","volume":0.10}}`)

	pos, _, err := ParseEvent(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if pos.Type != TypePositionReversed {
		t.Fatalf("type=%s", pos.Type)
	}
}

func TestParseEvent_HeartbeatWithoutData(t *testing.T) {
	pos, acct, err := ParseEvent([]byte(`{"type":"HEARTBEAT"}`), now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if pos != nil {
		t.Fatalf("心跳不应返回持仓事件")
	}
	if acct.Type != TypeHeartbeat || acct.Account != nil || acct.HasSnapshot {
		t.Fatalf("acct=%+v", acct)
	}
}

func TestParseEvent_ConnectedWithSnapshot(t *testing.T) {
	payload := []byte(`{"type":"CONNECTED","data":{"balance":10000,"equity":10100,"currency":"USD","positions":[{"id":1,"symbol":"EURUSD","side":"BUY","volumeLots":0.5}]}}`)

	_, acct, err := ParseEvent(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if acct.Account == nil || acct.Account.Equity != 10100 || acct.Account.Currency != "USD" {
		t.Fatalf("account=%+v", acct.Account)
	}
	if !acct.HasSnapshot || len(acct.Positions) != 1 {
		t.Fatalf("应附带权威全量: %+v", acct)
	}
	if acct.Positions[0].Volume != 0.5 {
		t.Fatalf("volume=%v", acct.Positions[0].Volume)
	}
}

func TestParseEvent_ConnectedEmptyPositionsIsAuthoritative(t *testing.T) {
	// 空数组也算权威全量（主账户确实没有持仓），缺失字段才不算
	payload := []byte(`{"type":"CONNECTED","data":{"balance":10000,"equity":10000,"positions":[]}}`)

	_, acct, err := ParseEvent(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !acct.HasSnapshot || len(acct.Positions) != 0 {
		t.Fatalf("空持仓数组应视为权威: %+v", acct)
	}

	payload = []byte(`{"type":"ACCOUNT_UPDATE","data":{"balance":10000,"equity":10000}}`)
	_, acct, err = ParseEvent(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if acct.HasSnapshot {
		t.Fatalf("缺失 positions 字段不应视为权威")
	}
}

func TestParseEvent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"非法 JSON", `{not json`, "信封非法 JSON"},
		{"缺少 type", `{"data":{}}`, "缺少 type"},
		{"未知类型", `{"type":"MARGIN_CALL","data":{}}`, "未知事件类型"},
		{"持仓缺 data", `{"type":"POSITION_OPENED"}`, "缺少 data"},
		{"单号非法", `{"type":"POSITION_OPENED","data":{"position":0,"symbol":"EURUSD","type":"BUY","volume":1}}`, "单号非法"},
		{"缺少 symbol", `{"type":"POSITION_CLOSED","data":{"position":5,"type":"BUY","volume":1}}`, "缺少 symbol"},
		{"侧别非法", `{"type":"POSITION_OPENED","data":{"position":5,"symbol":"EURUSD","type":"LONG","volume":1}}`, "侧别非法"},
		{"手数非法", `{"type":"POSITION_OPENED","data":{"position":5,"symbol":"EURUSD","type":"BUY","volume":0}}`, "手数非法"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseEvent([]byte(tt.payload), now)
			if err == nil {
				t.Fatalf("应返回错误")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("应是 ParseError, got %T", err)
			}
			if !strings.Contains(pe.Reason, tt.reason) {
				t.Fatalf("reason=%q, want contains %q", pe.Reason, tt.reason)
			}
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	payload := []byte(`{"balance":5000,"equity":5100,"margin":100,"freeMargin":5000,"currency":"USD","positions":[
		{"id":1,"symbol":"EURUSD","side":"BUY","volumeLots":0.5},
		{"id":2,"symbol":"XAUUSD","side":"SELL","volume":0.10,"stopLoss":2400}
	]}`)

	snap, err := ParseSnapshot(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(snap.Positions) != 2 {
		t.Fatalf("positions=%d", len(snap.Positions))
	}
	// volumeLots 与 volume 两种键名都接受
	if snap.Positions[0].Volume != 0.5 || snap.Positions[1].Volume != 0.10 {
		t.Fatalf("volumes=%v/%v", snap.Positions[0].Volume, snap.Positions[1].Volume)
	}
	if snap.Positions[1].StopLoss != 2400 {
		t.Fatalf("stopLoss=%v", snap.Positions[1].StopLoss)
	}
	if snap.Account == nil || snap.Account.Balance != 5000 {
		t.Fatalf("account=%+v", snap.Account)
	}

	set := snap.TicketSet()
	if len(set) != 2 {
		t.Fatalf("ticketSet=%v", set)
	}
	if _, ok := set[2]; !ok {
		t.Fatalf("ticketSet 缺少 2: %v", set)
	}
}

func TestParseSnapshot_VolumeLotsWins(t *testing.T) {
	// 两个键都出现时以 volumeLots 为准
	payload := []byte(`{"positions":[{"id":1,"symbol":"EURUSD","side":"BUY","volumeLots":0.5,"volume":9.9}]}`)

	snap, err := ParseSnapshot(payload, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if snap.Positions[0].Volume != 0.5 {
		t.Fatalf("volume=%v, want 0.5", snap.Positions[0].Volume)
	}
	if snap.Account != nil {
		t.Fatalf("无账户字段时 Account 应为空")
	}
}

func TestParseSnapshot_BadPosition(t *testing.T) {
	payload := []byte(`{"positions":[{"id":1,"symbol":"EURUSD","side":"BUY","volume":1},{"id":-2,"symbol":"X","side":"BUY","volume":1}]}`)

	_, err := ParseSnapshot(payload, now)
	if err == nil {
		t.Fatalf("应返回错误")
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Topic != "SNAPSHOT" {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(pe.Reason, "positions[1]") {
		t.Fatalf("应指明出错下标: %s", pe.Reason)
	}
}

func TestType_Known(t *testing.T) {
	for _, typ := range []Type{TypePositionOpened, TypePositionClosed, TypePositionModified, TypePositionReversed, TypeHeartbeat, TypeConnected, TypeDisconnected, TypeAccountUpdate} {
		if !typ.Known() {
			t.Fatalf("%s 应为已知类型", typ)
		}
	}
	if Type("POSITION_EXPLODED").Known() {
		t.Fatalf("未知类型不应通过")
	}
}

func TestType_IsLiveness(t *testing.T) {
	if TypeDisconnected.IsLiveness() {
		t.Fatalf("DISCONNECTED 不应刷新活性")
	}
	if !TypeHeartbeat.IsLiveness() || !TypePositionOpened.IsLiveness() {
		t.Fatalf("其余事件应刷新活性")
	}
}
