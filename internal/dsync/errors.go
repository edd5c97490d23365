package dsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. The typed errors below match them with errors.Is so callers
// can branch on the category without caring about the details.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUniqueViolation = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("remote conflict")
	ErrPermission      = errors.New("permission denied")

	// ErrConnectionLost is returned when the local store handle was closed
	// underneath an operation. The handle is discarded and the next call reopens it.
	ErrConnectionLost = errors.New("local store connection lost")
)

// ValidationError reports a record that was rejected before any write.
type ValidationError struct {
	Kind string // "project" or "diagram"
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UniqueError reports a write rejected by a uniqueness constraint.
type UniqueError struct {
	Kind  string
	Field string
	Value string
}

func (e *UniqueError) Error() string {
	return fmt.Sprintf("%s %s %q already exists", e.Kind, e.Field, e.Value)
}

func (e *UniqueError) Is(target error) bool { return target == ErrUniqueViolation }

// NotFoundError reports an operation on a record that does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports that the remote copy changed since the last sync.
// It is never resolved automatically.
type ConflictError struct {
	Path      string
	LocalSHA  string // hash the local side last saw, empty if never synced
	RemoteSHA string // hash found remotely, empty if the file is gone
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Path, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// PermissionError is returned once a provider keeps refusing a request after
// all retries. RateLimited distinguishes an exhausted quota from a token that
// lacks the scope the request needs.
type PermissionError struct {
	StatusCode    int
	RateLimited   bool
	Attempts      int
	RequiredScope string
	Message       string
}

func (e *PermissionError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("rate limited by provider after %d attempts; wait for the limit to reset and sync again", e.Attempts)
	}
	if e.RequiredScope != "" {
		return fmt.Sprintf("token lacks permission (requires scope %q): %s", e.RequiredScope, e.Message)
	}
	return fmt.Sprintf("token lacks permission for this repository: %s", e.Message)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// ProviderError is a non-success response from a provider that is neither a
// conflict nor a permission failure.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider returned %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Transient reports whether a later attempt may succeed without user action.
func (e *ProviderError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// Classify returns a short label for err used in status output and metrics.
func Classify(err error) string {
	var perr *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.As(err, &perr) && !perr.Transient():
		return "provider"
	default:
		return "transient"
	}
}
