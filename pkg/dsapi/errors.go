package dsapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable means the service could not be reached.
	ErrUnavailable = errors.New("datasource service unavailable")
	// ErrServer is a 5xx answer.
	ErrServer = errors.New("datasource service error")
	// ErrRejected is a 4xx answer other than 404.
	ErrRejected = errors.New("request rejected")
	// ErrNotFound is a 404 answer.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx answer. It unwraps to one of the sentinels above.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, msg)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= 500:
		return ErrServer
	default:
		return ErrRejected
	}
}

// transient reports whether a read may be repeated after err.
func transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrServer)
}
