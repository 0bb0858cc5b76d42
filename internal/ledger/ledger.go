package ledger

// ============================================================================
// Completion ledger
// 職責：
// 1. 以 append-only 方式記錄每個影像工作的開始與完成
// 2. 重放時驗證 checksum，折疊出每個工作的最後狀態
// 3. 讓「檔案存在」之外多一個完成依據（中途崩潰可被辨識）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Ledger is an append-only JSON-lines record of imaging jobs.
type Ledger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	runID   string
	seq     uint64
	closed  bool

	// 批次寫入緩衝：非強制 flush 的事件先累積在這裡
	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	last map[string]EventType // 每個 job 的最後事件
}

// Open creates or reopens the ledger at path. Existing records are replayed
// to restore the sequence number and per-job state. A torn final record
// left by a crash is cut off before new records are appended after it.
func Open(path, runID string) (*Ledger, error) {
	l := &Ledger{
		runID:         runID,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
		last:          make(map[string]EventType),
	}

	err := replayFile(path, func(ev Event) error {
		l.seq = ev.Seq
		l.last[ev.JobID] = ev.Type
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return l, nil
}

// Append records one event. Forced events are written and fsynced before
// Append returns; others are batched.
func (l *Ledger) Append(eventType EventType, jobID string, force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.seq++
	event := Event{
		Seq:       l.seq,
		RunID:     l.runID,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, jobID, l.runID, l.seq)
	l.buffer = append(l.buffer, event)
	l.last[jobID] = eventType

	if force || len(l.buffer) >= l.bufferSize || time.Since(l.lastFlushTime) > l.flushInterval {
		return l.flushLocked()
	}
	return nil
}

// Started, Completed, Skipped and Failed are the calls the imaging driver
// makes. Start and completion are forced to disk so a crash in between is
// visible on the next run.
func (l *Ledger) Started(jobID string) error   { return l.Append(EventStarted, jobID, true) }
func (l *Ledger) Completed(jobID string) error { return l.Append(EventCompleted, jobID, true) }
func (l *Ledger) Skipped(jobID string) error   { return l.Append(EventSkipped, jobID, false) }
func (l *Ledger) Failed(jobID string) error    { return l.Append(EventFailed, jobID, true) }

// Incomplete reports whether the last record of jobID is an attempt that
// never completed.
func (l *Ledger) Incomplete(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.last[jobID] {
	case EventStarted, EventFailed:
		return true
	}
	return false
}

// Unfinished returns the jobs whose last record is an attempt that never
// completed, sorted.
func (l *Ledger) Unfinished() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for job, ev := range l.last {
		if ev == EventStarted || ev == EventFailed {
			out = append(out, job)
		}
	}
	sort.Strings(out)
	return out
}

// Close flushes and closes the ledger. It must not be used afterwards.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	l.closed = true
	return l.file.Close()
}

// flushLocked 假設呼叫者已持有 l.mu
func (l *Ledger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		if err := l.encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to write ledger event seq=%d: %w", event.Seq, err)
		}
	}
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// ReplayFile reads a ledger without opening it for writing, for the status
// command.
func ReplayFile(path string, handler EventHandler) error {
	return replayFile(path, handler)
}

// repairTail makes sure the file ends on a record boundary. A final line
// without its newline is either a complete record (the newline is added) or
// the torn write of a crashed run (it is truncated away). Appending after
// a torn fragment would glue the next record onto it.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	keep := bytes.LastIndexByte(data, '\n') + 1
	tail := bytes.TrimSpace(data[keep:])
	if len(tail) > 0 && json.Valid(tail) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return fmt.Errorf("failed to repair ledger: %w", err)
		}
		return f.Close()
	}

	slog.Warn("Dropping torn ledger record", "path", path, "bytes", len(data)-keep)
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("failed to repair ledger: %w", err)
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, readErr := reader.ReadBytes('\n')
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			var event Event
			if err := json.Unmarshal(raw, &event); err != nil {
				// 最後一行可能是崩潰時寫到一半的紀錄
				if readErr == io.EOF {
					return nil
				}
				return &CorruptionError{Line: line, Cause: err}
			}

			if !VerifyChecksum(event) {
				return &ChecksumError{
					Seq:      event.Seq,
					Expected: CalculateChecksum(event.Type, event.JobID, event.RunID, event.Seq),
					Actual:   event.Checksum,
				}
			}

			if err := handler(event); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read ledger: %w", readErr)
		}
	}
}
