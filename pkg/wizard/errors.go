package wizard

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruslano69/dsonboard/pkg/confbuild"
	"github.com/ruslano69/dsonboard/pkg/ingest"
)

var (
	// ErrBusy is returned when the same kind of action is still pending.
	ErrBusy = errors.New("another action is still in progress")
	// ErrClosed is returned once the session was closed or saved.
	ErrClosed = errors.New("wizard session is closed")
	// ErrWrongStep is returned for actions that do not belong to the current step.
	ErrWrongStep = errors.New("action is not available on this step")
)

// ValidationError blocks a transition before anything is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConnectivityError means the connection probe did not succeed. Err is nil
// when the probe ran and answered false.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return "connection check failed"
	}
	return fmt.Sprintf("connection check failed: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IngestionError is an upload, fetch or concatenation failure.
type IngestionError = ingest.Error

// DecodeError is a stored record that could only be partially restored. It is
// logged and never returned to the user.
type DecodeError = confbuild.DecodeError

// ConfirmationRequired is returned by Save when more tables are selected
// than can be attached without asking. Repeat with SaveOptions.Confirmed.
type ConfirmationRequired struct {
	Count int
	Limit int
}

func (e *ConfirmationRequired) Error() string {
	return fmt.Sprintf("%d tables selected, more than %d requires confirmation", e.Count, e.Limit)
}

// BackendError is a failed call to the data-source service outside of
// ingestion and connectivity checks.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// UserMessage renders err as the short text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ce *ConnectivityError
		ie *IngestionError
		cr *ConfirmationRequired
		be *BackendError
	)
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Please check %s: %s.", ve.Field, ve.Message)
	case errors.As(err, &cr):
		return fmt.Sprintf("You selected %d tables. Saving more than %d tables may take a while, confirm to continue.", cr.Count, cr.Limit)
	case errors.Is(err, ErrBusy):
		return "Please wait for the current action to finish."
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		return "The wizard was closed."
	case errors.As(err, &ce):
		return "Connection failed. Check the connection settings and try again."
	case errors.Is(err, ingest.ErrFileTooLarge):
		return fmt.Sprintf("The file is larger than %d MB.", ingest.MaxUploadSize>>20)
	case errors.Is(err, ingest.ErrTooFewFiles):
		return "Select at least two files."
	case errors.Is(err, ingest.ErrUnsupportedExtension):
		return "This file type is not supported."
	case errors.Is(err, ingest.ErrDuplicateFile):
		return "The same file was selected twice."
	case errors.As(err, &ie):
		return fmt.Sprintf("The %s failed. Please try again.", ie.Op)
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	case errors.As(err, &be):
		return fmt.Sprintf("Could not %s. Please try again.", be.Op)
	case errors.Is(err, ErrWrongStep):
		return "This action is not available right now."
	default:
		return "Something went wrong. Please try again."
	}
}
