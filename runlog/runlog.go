package runlog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one structured lifecycle or result record.
type Event struct {
	Time    time.Time      `json:"time"`
	Phase   string         `json:"phase,omitempty"`
	Role    string         `json:"role,omitempty"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Logger records lifecycle events to durable storage. Record must never stall
// the benchmark: writes are buffered and best-effort, with a final flush at
// teardown.
type Logger interface {
	Record(Event)
	Flush() (string, error)
}

type loggerFactory func(destination string) (Logger, error)

var sinks map[string]loggerFactory

func RegisterSink(kind string, f loggerFactory) {
	if sinks == nil {
		sinks = map[string]loggerFactory{}
	}
	sinks[kind] = f
}

func KnownSink(kind string) bool {
	_, ok := sinks[kind]
	return ok
}

func NewLogger(kind, destination string) (Logger, error) {
	f, ok := sinks[kind]
	if !ok {
		return nil, fmt.Errorf("unknown logger sink: %s", kind)
	}
	return f(destination)
}

// How long Record waits for buffer space before dropping the event.
const enqueueTimeout = 100 * time.Millisecond

type fileLogger struct {
	path    string
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64

	// mu orders Record sends against Flush closing the channel.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func init() {
	RegisterSink("file", func(destination string) (Logger, error) {
		if destination == "" {
			destination = "run.log"
		}
		if err := os.MkdirAll(path.Dir(destination), fs.ModePerm); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_APPEND, os.ModePerm)
		if err != nil {
			return nil, fmt.Errorf("opening run log failed: %w", err)
		}
		l := &fileLogger{
			path: destination,
			ch:   make(chan Event, 256),
			done: make(chan struct{}),
		}
		go l.write(f)
		return l, nil
	})

	RegisterSink("stderr", func(string) (Logger, error) {
		return &stderrLogger{}, nil
	})
}

func (l *fileLogger) write(f *os.File) {
	defer close(l.done)
	defer f.Close()
	enc := json.NewEncoder(f)
	for ev := range l.ch {
		if err := enc.Encode(ev); err != nil {
			slog.Warn("writing run log event failed", slog.String("error", err.Error()))
		}
	}
	f.Sync()
}

func (l *fileLogger) Record(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case l.ch <- ev:
	case <-time.After(enqueueTimeout):
		// A stalled sink must never stall the benchmark.
		l.dropped.Add(1)
	}
}

func (l *fileLogger) Flush() (string, error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
	<-l.done
	if n := l.dropped.Load(); n > 0 {
		slog.Warn("run log events were dropped", slog.Int64("count", n))
	}
	return l.path, nil
}

type stderrLogger struct{}

func (l *stderrLogger) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, string(buf))
}

func (l *stderrLogger) Flush() (string, error) {
	return "", nil
}
