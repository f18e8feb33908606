package datasource

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is a local file handed to ingestion. Size is known up front so limits
// can be enforced before any byte is read.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FileFromBytes wraps an in-memory payload.
func FileFromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileFromPath stats path and opens it lazily.
func FileFromPath(path string) (File, error) {
	st, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name: filepath.Base(path),
		Size: st.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}
