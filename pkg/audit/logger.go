package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger writes records to the local append-only JSONL file and forwards
// them to an optional SIEM shipper. The local write always happens; SIEM
// failures are logged and swallowed.
type Logger struct {
	path    string
	shipper *BufferedShipper

	mu   sync.Mutex
	file *os.File
}

// NewLogger opens (creating if needed) the audit file in append mode.
// shipper may be nil when no SIEM sink is configured.
func NewLogger(path string, shipper *BufferedShipper) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}

	l := &Logger{path: path, shipper: shipper, file: file}
	if shipper != nil {
		shipper.onDrop = l.auditDrop
	}
	slog.Info("Audit logger initialized", "path", path, "siem_enabled", shipper != nil)
	return l, nil
}

// Write appends record as one JSON line. Each record is written with a
// single Write call so concurrent appends stay line-atomic.
func (l *Logger) Write(record Record) {
	line, err := json.Marshal(record)
	if err != nil {
		slog.Error("Failed to encode audit record", "action", record.Action, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(line)
	l.mu.Unlock()
	if writeErr != nil {
		slog.Error("Failed to append audit record", "path", l.path, "error", writeErr)
	}

	if l.shipper != nil {
		l.shipper.Enqueue(record)
	}
}

// Query scans the local log newest-first and returns up to limit records
// whose JSON line contains q case-insensitively. Empty q matches everything.
func (l *Logger) Query(q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", l.path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log %s: %w", l.path, err)
	}

	needle := strings.ToLower(q)
	results := make([]Record, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(results) < limit; i-- {
		if needle != "" && !strings.Contains(strings.ToLower(lines[i]), needle) {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			continue
		}
		results = append(results, record)
	}
	return results, nil
}

// auditDrop records SIEM queue overflow in the local log only, never back
// through the shipper.
func (l *Logger) auditDrop(dropped int64) {
	record := NewRecord(ActionSIEMDrop, emptyContext)
	record.DroppedRecords = dropped

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')
	l.mu.Lock()
	_, _ = l.file.Write(line)
	l.mu.Unlock()
}

// Close flushes the shipper and closes the local file.
func (l *Logger) Close() error {
	if l.shipper != nil {
		l.shipper.Close()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
