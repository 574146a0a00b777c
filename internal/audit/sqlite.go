package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteWriter 写入本地 SQLite 的审计写入器，只插入不更新
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLite 打开（必要时建表）审计库
func NewSQLite(path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL,
  origin TEXT NOT NULL,
  leader_ticket INTEGER,
  follower_ticket INTEGER NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT,
  volume REAL,
  price REAL,
  stop_loss REAL,
  take_profit REAL,
  profit REAL,
  swap REAL,
  commission REAL,
  account_json TEXT,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_leader ON audit_log(leader_ticket);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate audit_log: %w", err)
		}
	}
	return &SQLiteWriter{db: db}, nil
}

// Write 插入一条审计记录
func (w *SQLiteWriter) Write(entry Entry) error {
	stamp(&entry)
	var accountJSON string
	if entry.Account != nil {
		if b, err := json.Marshal(entry.Account); err == nil {
			accountJSON = string(b)
		}
	}
	_, err := w.db.Exec(`
INSERT INTO audit_log (action, origin, leader_ticket, follower_ticket, symbol, side, volume, price, stop_loss, take_profit, profit, swap, commission, account_json, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Action), string(entry.Origin),
		entry.LeaderTicket, entry.FollowerTicket,
		entry.Symbol, entry.Side,
		entry.Volume, entry.Price, entry.StopLoss, entry.TakeProfit,
		entry.Profit, entry.Swap, entry.Commission,
		accountJSON,
		entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close 关闭审计库
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

var _ Writer = (*SQLiteWriter)(nil)
