package simcmd_server

import (
	"errors"
	"fmt"
)

type (
	// ResultStatus is the outcome tag of a dispatched command.
	ResultStatus uint8

	// Result is produced exactly once for every dispatched command.
	Result struct {
		Status  ResultStatus
		Payload string // value for StatusOK, message for StatusError
	}
)

const (
	StatusOK ResultStatus = iota
	StatusError
)

// wire tokens
const (
	tokenOK     = "OK"
	tokenError  = "ERROR"
	tokenNotify = "NOTIFY"
)

func (s ResultStatus) String() string {
	switch s {
	case StatusOK:
		return tokenOK
	case StatusError:
		return tokenError
	default:
		return "unknown"
	}
}

// Success makes an OK result. The payload may be empty.
func Success(payload string) Result {
	return Result{Status: StatusOK, Payload: payload}
}

// Failure makes an ERROR result carrying message.
func Failure(message string) Result {
	return Result{Status: StatusError, Payload: message}
}

func Failuref(format string, args ...any) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// FailureFromErr converts err into an ERROR result. Handler execution errors
// carry the handler's own message, without the sentinel prefix.
func FailureFromErr(err error) Result {
	var he *handlerError
	if errors.As(err, &he) {
		return Failure(he.msg)
	}
	return Failure(err.Error())
}

func (r Result) IsOK() bool {
	return r.Status == StatusOK
}

// Err returns nil for an OK result, otherwise an error wrapping ErrHandlerExecution.
func (r Result) Err() error {
	if r.IsOK() {
		return nil
	}
	return &handlerError{msg: r.Payload}
}

func (r Result) String() string {
	if r.Payload == "" {
		return r.Status.String()
	}
	return r.Status.String() + " " + r.Payload
}

type handlerError struct {
	msg string
}

func (e *handlerError) Error() string {
	return e.msg
}

func (e *handlerError) Unwrap() error {
	return ErrHandlerExecution
}

// HandlerErrorf makes an error whose message is surfaced verbatim to the
// client by FailureFromErr.
func HandlerErrorf(format string, args ...any) error {
	return &handlerError{msg: fmt.Sprintf(format, args...)}
}
