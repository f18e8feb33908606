package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit logger is closed")

// Logger sends entries to an appender, optionally through a buffered queue.
// A full queue falls back to a synchronous write.
type Logger struct {
	appender Appender
	onError  func(error)

	queue chan *Entry
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Config struct {
	Async      bool `yaml:"async"`
	BufferSize int  `yaml:"buffer_size"` // default 1000
	// OnError receives write errors of async entries.
	OnError func(error) `yaml:"-"`
}

func NewLogger(cfg Config, appenders ...Appender) *Logger {
	l := &Logger{appender: NewMultiAppender(appenders...), onError: cfg.OnError}
	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 1000
		}
		l.queue = make(chan *Entry, cfg.BufferSize)
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

// Log writes e. Async loggers return before the entry is written.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if l.queue != nil {
		select {
		case l.queue <- e:
			return nil
		default:
		}
	}
	return l.appender.Append(ctx, e)
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for e := range l.queue {
		if err := l.appender.Append(context.Background(), e); err != nil && l.onError != nil {
			l.onError(err)
		}
	}
}

// Close writes queued entries and closes the appenders.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return l.appender.Close()
}
