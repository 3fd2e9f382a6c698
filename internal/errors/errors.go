package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error is an application error carrying an HTTP status code.
type Error struct {
	Message string `json:"message"`
	Cause   error  `json:"-"`
	Code    int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(cause error, code int, message string) *Error {
	return &Error{Message: message, Cause: cause, Code: code}
}

func Newf(cause error, code int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Cause: cause, Code: code}
}

// Wrap attaches message to err, keeping the status code of err when it already is an *Error.
func Wrap(err error, message string, code int) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) && code == 0 {
		code = appErr.Code
	}
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return &Error{Message: message, Cause: err, Code: code}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// GetCode returns the status code carried by err, 500 when none.
func GetCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

var (
	ErrShardNotFound    = New(nil, http.StatusNotFound, "shard not found")
	ErrCharacterEmpty   = New(nil, http.StatusBadRequest, "character is empty")
	ErrStreamEmpty      = New(nil, http.StatusBadRequest, "stream is empty")
	ErrStoreClosed      = New(nil, http.StatusServiceUnavailable, "log store closed")
	ErrUnsupportedStore = New(nil, http.StatusBadRequest, "unsupported log format")
)

func InvalidArg(arg string) *Error {
	return Newf(nil, http.StatusBadRequest, "invalid argument: %s", arg)
}

func QueryFailed(query string, cause error) *Error {
	return Newf(cause, http.StatusInternalServerError, "query failed: %s", query)
}

func ScanRowFailed(cause error) *Error {
	return New(cause, http.StatusInternalServerError, "scan row failed")
}

func ShardOpenFailed(key string, cause error) *Error {
	return Newf(cause, http.StatusInternalServerError, "open shard %s failed", key)
}

func ShardWriteFailed(key string, cause error) *Error {
	return Newf(cause, http.StatusInternalServerError, "write shard %s failed", key)
}

func MigrationFailed(key string, version int, cause error) *Error {
	return Newf(cause, http.StatusInternalServerError, "migrate shard %s to version %d failed", key, version)
}

func MessageNotFound(id string) *Error {
	return Newf(nil, http.StatusNotFound, "message not found: %s", id)
}

func InvalidMessageID(id string) *Error {
	return Newf(nil, http.StatusBadRequest, "invalid message id: %s", id)
}

func FormatUnsupported(format string) *Error {
	return Newf(nil, http.StatusBadRequest, "unsupported log format: %s", format)
}

func TimeRangeInvalid(after, before time.Time) *Error {
	return Newf(nil, http.StatusBadRequest, "invalid time range: %s - %s", after.Format(time.RFC3339), before.Format(time.RFC3339))
}

func ConfigInvalid(field string, cause error) *Error {
	return Newf(cause, http.StatusInternalServerError, "invalid config: %s", field)
}
