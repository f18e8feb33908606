package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrFileTooLarge         = errors.New("file exceeds the upload size limit")
	ErrTooFewFiles          = errors.New("select at least two files")
	ErrUnsupportedExtension = errors.New("unsupported file type")
	ErrDuplicateFile        = errors.New("the same file was selected twice")
	ErrEmptyResult          = errors.New("ingestion produced no sheets")
	ErrNoEndpoint           = errors.New("remote endpoint is required")
)

// Op names an ingestion path.
type Op string

const (
	OpUpload      Op = "upload"
	OpFetch       Op = "remote fetch"
	OpTest        Op = "remote test"
	OpConcatenate Op = "concatenate"
	OpMerge       Op = "merge"
)

// Error is returned by every ingestion path. File is set when one file is
// to blame.
type Error struct {
	Op   Op
	File string
	Err  error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(op Op, file string, err error) error {
	return &Error{Op: op, File: file, Err: err}
}
