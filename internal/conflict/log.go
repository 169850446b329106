package conflict

import (
	"sync"
	"time"
)

// Resolutions recorded in the conflict log.
const (
	ResolutionRejected   = "rejected"
	ResolutionKeptStored = "kept_stored"
)

// Record describes one detected conflict.
type Record struct {
	Table           string    `json:"table"`
	ID              string    `json:"id"`
	Strategy        Strategy  `json:"strategy"`
	LocalTimestamp  time.Time `json:"local_timestamp,omitempty"`
	RemoteTimestamp time.Time `json:"remote_timestamp,omitempty"`
	LocalVersion    int64     `json:"local_version,omitempty"`
	RemoteVersion   int64     `json:"remote_version,omitempty"`
	Resolution      string    `json:"resolution"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Log keeps the most recent conflicts in a fixed-size ring.
type Log struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
}

// NewLog creates a log holding up to capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 100
	}
	return &Log{records: make([]Record, capacity)}
}

func (l *Log) add(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.next] = r
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// Records returns the logged conflicts, oldest first.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Record(nil), l.records[:l.next]...)
	}
	out := make([]Record, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	return append(out, l.records[:l.next]...)
}
