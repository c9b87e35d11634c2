package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	MinLevel = 0
	MaxLevel = 9
)

// minimum numeric level at which each severity is emitted
var severityThreshold = map[LogLevel]int32{
	LogLevelFatal: 0,
	LogLevelError: 1,
	LogLevelWarn:  2,
	LogLevelInfo:  3,
	LogLevelDebug: 5,
	LogLevelTrace: 8,
}

// Levels holds the numeric verbosity (0..9) consulted on every log call.
// A runtime override may carry a TTL after which the configured level is
// restored.
type Levels struct {
	base    atomic.Int32
	current atomic.Int32

	mu     sync.Mutex
	revert *time.Timer
	// bumped whenever a pending revert is cancelled
	gen uint64
}

// NewLevels creates a level holder starting at base
func NewLevels(base int) *Levels {
	l := &Levels{}
	b := clampLevel(base)
	l.base.Store(b)
	l.current.Store(b)
	return l
}

var defaultLevels = NewLevels(3)

// DefaultLevels returns the process-wide level holder
func DefaultLevels() *Levels {
	return defaultLevels
}

// Current returns the active numeric level
func (l *Levels) Current() int {
	return int(l.current.Load())
}

// Base returns the configured numeric level
func (l *Levels) Base() int {
	return int(l.base.Load())
}

// SetBase changes the configured level and resets any runtime override.
func (l *Levels) SetBase(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopRevertLocked()
	b := clampLevel(level)
	l.base.Store(b)
	l.current.Store(b)
}

// Set changes the active level. With ttl > 0 the base level comes back
// after ttl; a later Set cancels the pending revert.
func (l *Levels) Set(level int, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(level, ttl)
}

func (l *Levels) setLocked(level int, ttl time.Duration) {
	l.stopRevertLocked()
	l.current.Store(clampLevel(level))
	if ttl > 0 {
		gen := l.gen
		l.revert = time.AfterFunc(ttl, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// a timer that fired while a newer Set held the lock
			if l.gen != gen {
				return
			}
			l.current.Store(l.base.Load())
			l.revert = nil
		})
	}
}

// Enabled reports whether a call at severity would be emitted
func (l *Levels) Enabled(severity LogLevel) bool {
	threshold, ok := severityThreshold[severity]
	if !ok {
		return true
	}
	return l.current.Load() >= threshold
}

func (l *Levels) stopRevertLocked() {
	l.gen++
	if l.revert != nil {
		l.revert.Stop()
		l.revert = nil
	}
}

func clampLevel(level int) int32 {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return int32(level)
}
