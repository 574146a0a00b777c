package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter 按行追加 JSON 的审计写入器，每条记录写后立即落盘
type JSONLWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONL 打开（必要时创建）审计文件，始终追加写
func NewJSONL(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &JSONLWriter{file: f}, nil
}

// Write 追加一条审计记录
func (w *JSONLWriter) Write(entry Entry) error {
	stamp(&entry)
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return w.file.Sync()
}

// Close 关闭审计文件
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

var _ Writer = (*JSONLWriter)(nil)
