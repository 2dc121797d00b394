// Package eventlog provides an append-only NDJSON audit trail of task and
// device lifecycle events. The active segment rotates by size; rotated
// segments are gzip-compressed in the background and pruned beyond a
// retention count.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Event types recorded by the coordinator.
const (
	EventTaskSubmitted  = "task_submitted"
	EventTaskDispatched = "task_dispatched"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskRetried    = "task_retried"
	EventTaskTimeout    = "task_timeout"
	EventTaskCancelled  = "task_cancelled"
	EventTaskReassigned = "task_reassigned"
	EventDeviceOnline   = "device_online"
	EventDeviceOffline  = "device_offline"
	EventDeviceRemoved  = "device_removed"
)

// Event is one NDJSON record.
type Event struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	TaskID   string    `json:"task_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Defaults for rotation.
const (
	DefaultMaxSegmentBytes = 32 << 20
	DefaultKeepSegments    = 8
)

// Log is a size-rotated NDJSON event log. Append never blocks on
// compression; write failures are logged and dropped, never fatal.
type Log struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	size     int64
	maxBytes int64
	keep     int
	log      *slog.Logger

	compressWG sync.WaitGroup
}

// Open creates or appends to the log at path. Zero bounds select defaults.
func Open(path string, maxBytes int64, keep int, logger *slog.Logger) (*Log, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSegmentBytes
	}
	if keep <= 0 {
		keep = DefaultKeepSegments
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	return &Log{
		path:     path,
		f:        f,
		size:     st.Size(),
		maxBytes: maxBytes,
		keep:     keep,
		log:      logger,
	}, nil
}

// Append writes one event record. Errors are absorbed so the control plane
// never stalls on the audit trail.
func (l *Log) Append(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Error("failed to encode event", slog.Any("error", err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return
	}
	if l.size+int64(len(line)) > l.maxBytes {
		l.rotateLocked()
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		l.log.Error("failed to append event", slog.Any("error", err))
	}
}

// Task records a task lifecycle event.
func (l *Log) Task(eventType, taskID, deviceID, detail string) {
	l.Append(Event{Type: eventType, TaskID: taskID, DeviceID: deviceID, Detail: detail})
}

// Device records a device lifecycle event.
func (l *Log) Device(eventType, deviceID, detail string) {
	l.Append(Event{Type: eventType, DeviceID: deviceID, Detail: detail})
}

// Close flushes the active segment and waits for pending compression.
func (l *Log) Close() error {
	l.mu.Lock()
	f := l.f
	l.f = nil
	l.mu.Unlock()

	l.compressWG.Wait()
	if f == nil {
		return nil
	}
	return f.Close()
}

// rotateLocked renames the active segment aside and reopens a fresh one.
// Compression of the rotated segment happens off the append path.
func (l *Log) rotateLocked() {
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := l.f.Close(); err != nil {
		l.log.Error("failed to close event log segment", slog.Any("error", err))
	}
	if err := os.Rename(l.path, rotated); err != nil {
		l.log.Error("failed to rotate event log", slog.Any("error", err))
	} else {
		l.compressWG.Add(1)
		go l.compress(rotated)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Error("failed to reopen event log", slog.Any("error", err))
		l.f = nil
		return
	}
	l.f = f
	l.size = 0
}

// compress gzips a rotated segment, removes the original, and prunes old
// compressed segments beyond the retention count.
func (l *Log) compress(path string) {
	defer l.compressWG.Done()

	if err := gzipFile(path); err != nil {
		l.log.Error("failed to compress event log segment",
			slog.String("segment", path), slog.Any("error", err))
		return
	}
	if err := os.Remove(path); err != nil {
		l.log.Error("failed to remove rotated segment",
			slog.String("segment", path), slog.Any("error", err))
	}
	l.prune()
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// prune removes the oldest compressed segments beyond the retention count.
func (l *Log) prune() {
	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var segments []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, base+".") && strings.HasSuffix(name, ".gz") {
			segments = append(segments, name)
		}
	}
	if len(segments) <= l.keep {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(segments)
	for _, name := range segments[:len(segments)-l.keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			l.log.Error("failed to prune event log segment",
				slog.String("segment", name), slog.Any("error", err))
		}
	}
}
