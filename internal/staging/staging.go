// Package staging keeps ingested workbooks on disk, zstd-compressed, until a
// data source that references them is saved.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned for an unknown staging id.
var ErrNotFound = errors.New("staged file not found")

var idPattern = regexp.MustCompile(`^[0-9a-f-]{36}$`)

const suffix = ".xlsx.zst"

// Store is a directory of compressed workbooks.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	names map[string]string // id -> original filename
}

// Open creates dir if needed. level is a zstd.EncoderLevel, 1 (fastest) to 4
// (best compression).
func Open(dir string, level int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("staging: create %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevel(level)),
		zstd.WithEncoderConcurrency(2),
	)
	if err != nil {
		return nil, fmt.Errorf("staging: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(2))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("staging: zstd decoder: %w", err)
	}
	return &Store{dir: dir, encoder: enc, decoder: dec, names: make(map[string]string)}, nil
}

// Put stores data and returns its id.
func (s *Store) Put(filename string, data []byte) (string, error) {
	id := uuid.NewString()
	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	if err := os.WriteFile(s.path(id), compressed, 0o640); err != nil {
		return "", fmt.Errorf("staging: write: %w", err)
	}
	s.mu.Lock()
	s.names[id] = filename
	s.mu.Unlock()
	return id, nil
}

// Get returns the original bytes and filename of id. The filename is empty
// for files staged by an earlier process.
func (s *Store) Get(id string) ([]byte, string, error) {
	if !idPattern.MatchString(id) {
		return nil, "", ErrNotFound
	}
	compressed, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("staging: read: %w", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, "", fmt.Errorf("staging: decompress %s: %w", id, err)
	}
	s.mu.Lock()
	name := s.names[id]
	s.mu.Unlock()
	return data, name, nil
}

// Delete removes id. Unknown ids are ignored.
func (s *Store) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return nil
	}
	s.mu.Lock()
	delete(s.names, id)
	s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("staging: delete: %w", err)
	}
	return nil
}

// Size returns the compressed size on disk.
func (s *Store) Size(id string) (int64, error) {
	st, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+suffix)
}
