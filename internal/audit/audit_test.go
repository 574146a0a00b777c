package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hedgeedge/copier/internal/domain"
)

func sampleEntry() Entry {
	return Entry{
		Action:         ActionOpen,
		Origin:         OriginMirror,
		LeaderTicket:   12345,
		FollowerTicket: 67890,
		Symbol:         "EURUSD",
		Side:           "SELL",
		Volume:         0.05,
		Price:          1.1001,
		StopLoss:       1.1050,
		TakeProfit:     1.0950,
	}
}

func TestJSONLWriter_OneObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "trades.jsonl")
	w, err := NewJSONL(path)
	if err != nil {
		t.Fatalf("NewJSONL: %v", err)
	}

	first := sampleEntry()
	second := sampleEntry()
	second.Action = ActionClose
	second.Profit = 12.5
	second.Account = &domain.AccountSnapshot{Balance: 10000, Equity: 10012.5, Currency: "USD"}
	if err := w.Write(first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(second); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var got Entry
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("unmarshal line 2: %v", err)
	}
	if got.Action != ActionClose || got.Profit != 12.5 || got.LeaderTicket != 12345 {
		t.Fatalf("entry = %+v", got)
	}
	if got.Account == nil || got.Account.Equity != 10012.5 {
		t.Fatalf("account = %+v", got.Account)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestJSONLWriter_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")

	w, err := NewJSONL(path)
	if err != nil {
		t.Fatalf("NewJSONL: %v", err)
	}
	if err := w.Write(sampleEntry()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = w.Close()

	// 重启后追加，不覆盖历史记录
	w, err = NewJSONL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w.Write(sampleEntry()); err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	_ = w.Close()

	raw, _ := os.ReadFile(path)
	if lines := strings.Split(strings.TrimSpace(string(raw)), "\n"); len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
}

func TestJSONLWriter_KeepsPresetTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := NewJSONL(path)
	if err != nil {
		t.Fatalf("NewJSONL: %v", err)
	}
	entry := sampleEntry()
	entry.Timestamp = time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	if err := w.Write(entry); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = w.Close()

	raw, _ := os.ReadFile(path)
	var got Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Timestamp.Equal(entry.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, entry.Timestamp)
	}
}

func TestSQLiteWriter_InsertAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	w, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer w.Close()

	first := sampleEntry()
	second := sampleEntry()
	second.Action = ActionClose
	second.Profit = -3.25
	second.Account = &domain.AccountSnapshot{Balance: 9996.75, Currency: "USD"}
	if err := w.Write(first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(second); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rows, err := w.db.Query(`SELECT action, origin, leader_ticket, follower_ticket, symbol, profit, account_json, ts FROM audit_log ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	type row struct {
		action, origin, symbol, accountJSON, ts string
		leader, follower                        int64
		profit                                  float64
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.action, &r.origin, &r.leader, &r.follower, &r.symbol, &r.profit, &r.accountJSON, &r.ts); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].action != "OPEN" || got[0].leader != 12345 || got[0].follower != 67890 {
		t.Fatalf("row 1 = %+v", got[0])
	}
	if got[0].accountJSON != "" {
		t.Fatalf("row 1 account_json = %q, want empty", got[0].accountJSON)
	}
	if got[1].action != "CLOSE" || got[1].profit != -3.25 {
		t.Fatalf("row 2 = %+v", got[1])
	}
	var acct domain.AccountSnapshot
	if err := json.Unmarshal([]byte(got[1].accountJSON), &acct); err != nil {
		t.Fatalf("account_json: %v", err)
	}
	if acct.Balance != 9996.75 {
		t.Fatalf("account balance = %v", acct.Balance)
	}
	if got[1].ts == "" {
		t.Fatal("ts not stamped")
	}
}

type memWriter struct {
	entries []Entry
	closed  bool
}

func (m *memWriter) Write(entry Entry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}

type failWriter struct {
	writeErr error
	closed   bool
}

func (f *failWriter) Write(Entry) error { return f.writeErr }

func (f *failWriter) Close() error {
	f.closed = true
	return nil
}

func TestMultiWriter_ContinuesPastFailure(t *testing.T) {
	broken := &failWriter{writeErr: errors.New("disk full")}
	healthy := &memWriter{}
	m := NewMulti(broken, healthy)

	err := m.Write(sampleEntry())
	if err == nil {
		t.Fatal("expected fan-out error")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	// 失败通道不阻断后续通道
	if len(healthy.entries) != 1 {
		t.Fatalf("healthy entries = %d, want 1", len(healthy.entries))
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !broken.closed || !healthy.closed {
		t.Fatal("Close did not reach all writers")
	}
}
