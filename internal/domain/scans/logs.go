package scans

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// DefaultLogLimit is the number of entries a job keeps.
const DefaultLogLimit = 1000

// LogLevel of a job log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one line of the per-job structured log stream.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// LogBuffer keeps the most recent entries, evicting the oldest first.
type LogBuffer struct {
	mu  sync.Mutex
	buf *circularbuffer.Queue
}

// NewLogBuffer creates a buffer holding at most limit entries.
func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &LogBuffer{buf: circularbuffer.New(limit)}
}

// Append adds e, dropping the oldest entry when full.
func (b *LogBuffer) Append(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Full() {
		b.buf.Dequeue()
	}
	b.buf.Enqueue(e)
}

// Entries returns the buffered entries oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	vals := b.buf.Values()
	out := make([]LogEntry, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(LogEntry))
	}
	return out
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Size()
}
