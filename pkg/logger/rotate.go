package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingWriter 是审计日志的落盘写入器，按大小滚动、按数量与年龄清理。
// 审计流记录每次咨询与交易决断，保留期取默认值时明显长于普通运行日志。
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

// 审计日志的缺省滚动策略。
const (
	defaultAuditMaxSizeMB  = 64
	defaultAuditMaxBackups = 12
	defaultAuditMaxAgeDays = 90
)

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	// 单条审计记录不拆分到两个文件，写入前判断是否越界。
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate 把当前文件挪到 .1，既有备份依次后移，超出数量或年龄的删除。
func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	if w.maxBackups <= 0 {
		_ = os.Remove(w.path)
		return nil
	}

	for i := w.maxBackups - 1; i >= 1; i-- {
		src := w.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, w.backupPath(i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.backupPath(1))
	}

	w.cleanupByAge()
	return nil
}

func (w *rotatingWriter) backupPath(index int) string {
	return fmt.Sprintf("%s.%d", w.path, index)
}

func (w *rotatingWriter) cleanupByAge() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		path := w.backupPath(i)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
