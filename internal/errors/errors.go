package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeStagingIO         ErrorType = "STAGING_IO"
	ErrorTypeStashCorrupt      ErrorType = "STASH_CORRUPT"
	ErrorTypeRemoteUnavailable ErrorType = "REMOTE_UNAVAILABLE"
	ErrorTypeRemoteNotFound    ErrorType = "REMOTE_NOT_FOUND"
	ErrorTypeVersionConflict   ErrorType = "VERSION_CONFLICT"
	ErrorTypeAborted           ErrorType = "ABORTED"
	ErrorTypeValidation        ErrorType = "VALIDATION"
)

// exit codes returned by the CLI for each error type
var exitCodes = map[ErrorType]int{
	ErrorTypeValidation:        2,
	ErrorTypeStagingIO:         3,
	ErrorTypeStashCorrupt:      3,
	ErrorTypeRemoteUnavailable: 4,
	ErrorTypeRemoteNotFound:    5,
	ErrorTypeVersionConflict:   6,
	ErrorTypeAborted:           130,
}

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Target  string    `json:"target,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Path    string    `json:"path,omitempty"`
	Details any       `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Target != "" {
		msg = fmt.Sprintf("%s: %s", e.Target, msg)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Type so callers can use errors.Is(err, errors.VersionConflict("", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithTarget returns a copy annotated with the remote target
func (e *Error) WithTarget(target string) *Error {
	c := *e
	c.Target = target
	return &c
}

// WithStage returns a copy annotated with the session stage
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Code:    exitCodes[t],
		Cause:   cause,
	}
}

func StagingIO(message, path string, cause error) *Error {
	e := newError(ErrorTypeStagingIO, message, cause)
	e.Path = path
	return e
}

func StashCorrupt(message, path string, cause error) *Error {
	e := newError(ErrorTypeStashCorrupt, message, cause)
	e.Path = path
	return e
}

func RemoteUnavailable(message string, cause error) *Error {
	return newError(ErrorTypeRemoteUnavailable, message, cause)
}

func RemoteNotFound(message string, cause error) *Error {
	return newError(ErrorTypeRemoteNotFound, message, cause)
}

// VersionConflict carries the tag the remote reported, when it reported one.
func VersionConflict(message string, currentTag string) *Error {
	e := newError(ErrorTypeVersionConflict, message, nil)
	if currentTag != "" {
		e.Details = map[string]string{"current_tag": currentTag}
	}
	return e
}

func Aborted(message string, cause error) *Error {
	return newError(ErrorTypeAborted, message, cause)
}

func ValidationError(message string, details any) *Error {
	e := newError(ErrorTypeValidation, message, nil)
	e.Details = details
	return e
}

// TypeOf returns the type of the first *Error in err's chain, or "".
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return 1
}
