package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Appender writes entries somewhere.
type Appender interface {
	Append(ctx context.Context, e *Entry) error
	Close() error
}

// MultiAppender writes to every appender and returns the first error.
type MultiAppender struct {
	appenders []Appender
}

func NewMultiAppender(appenders ...Appender) *MultiAppender {
	return &MultiAppender{appenders: appenders}
}

func (m *MultiAppender) Append(ctx context.Context, e *Entry) error {
	var first error
	for _, a := range m.appenders {
		if err := a.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiAppender) Close() error {
	var first error
	for _, a := range m.appenders {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileAppender writes JSON lines and rotates the file at MaxSize into
// path.1 ... path.MaxBackups.
type FileAppender struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	size       int64
}

type FileAppenderConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int64  `yaml:"max_size_mb"` // default 100
	MaxBackups int    `yaml:"max_backups"` // default 5
}

func NewFileAppender(cfg FileAppenderConfig) (*FileAppender, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", cfg.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: stat %s: %w", cfg.Path, err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	return &FileAppender{
		file:       f,
		path:       cfg.Path,
		maxSize:    cfg.MaxSizeMB << 20,
		maxBackups: cfg.MaxBackups,
		size:       st.Size(),
	}, nil
}

func (fa *FileAppender) Append(_ context.Context, e *Entry) error {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.size > 0 && fa.size+int64(len(data)) > fa.maxSize {
		if err := fa.rotate(); err != nil {
			return fmt.Errorf("audit: rotate: %w", err)
		}
	}
	n, err := fa.file.Write(data)
	fa.size += int64(n)
	if err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

func (fa *FileAppender) rotate() error {
	if err := fa.file.Close(); err != nil {
		return err
	}
	_ = os.Remove(fmt.Sprintf("%s.%d", fa.path, fa.maxBackups))
	for i := fa.maxBackups - 1; i > 0; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fa.path, i), fmt.Sprintf("%s.%d", fa.path, i+1))
	}
	if err := os.Rename(fa.path, fa.path+".1"); err != nil {
		return err
	}
	f, err := os.OpenFile(fa.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	fa.file = f
	fa.size = 0
	return nil
}

func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.file.Close()
}

// LogAppender writes entries to a zerolog logger.
type LogAppender struct {
	log zerolog.Logger
}

func NewLogAppender(l zerolog.Logger) *LogAppender { return &LogAppender{log: l} }

func (la *LogAppender) Append(_ context.Context, e *Entry) error {
	ev := la.log.Info()
	if e.Status == StatusFailure {
		ev = la.log.Warn().Str("error", e.Error)
	}
	ev.Str("audit_id", e.ID).
		Str("operation", string(e.Operation)).
		Str("status", string(e.Status)).
		Int64("ds_id", e.DatasourceID).
		Str("name", e.Name).
		Int("tables", len(e.Tables)).
		Str("request_id", e.RequestID).
		Msg("audit")
	return nil
}

func (la *LogAppender) Close() error { return nil }
