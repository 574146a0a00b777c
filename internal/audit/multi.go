package audit

import (
	"github.com/pkg/errors"
)

// MultiWriter 把同一条记录扇出到多个落地通道
// 任一通道失败不阻断其余通道，最后合并返回首个错误
type MultiWriter struct {
	writers []Writer
}

// NewMulti 组合多个写入器
func NewMulti(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write 依次写入全部通道
func (m *MultiWriter) Write(entry Entry) error {
	var firstErr error
	for _, w := range m.writers {
		if err := w.Write(entry); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "audit fan-out")
		}
	}
	return firstErr
}

// Close 关闭全部通道
func (m *MultiWriter) Close() error {
	var firstErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Writer = (*MultiWriter)(nil)
