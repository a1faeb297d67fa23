package simcmd_server

import "errors"

var (
	// ErrInvalidPattern indicates a command pattern could not be compiled.
	ErrInvalidPattern = errors.New("simcmd: invalid pattern")

	// ErrDuplicatePattern indicates the identical pattern text is already registered.
	ErrDuplicatePattern = errors.New("simcmd: duplicate pattern")

	// ErrNoMatch indicates no registered pattern matches the command.
	ErrNoMatch = errors.New("simcmd: no matching command")

	// ErrHandlerExecution indicates a handler rejected its arguments.
	ErrHandlerExecution = errors.New("simcmd: handler failed")

	// ErrHandlerPanic indicates a handler panicked on the owner goroutine.
	ErrHandlerPanic = errors.New("simcmd: handler panic")

	// ErrSchedulerStopped indicates the owner loop is no longer draining commands.
	ErrSchedulerStopped = errors.New("simcmd: simulation is not running")

	// ErrBind indicates the server could not listen on the requested address.
	ErrBind = errors.New("simcmd: unable to listen")

	// ErrConnection indicates a client connection failed and was closed.
	ErrConnection = errors.New("simcmd: connection error")

	ErrAlreadyStarted = errors.New("simcmd: already started")
	ErrNotStarted     = errors.New("simcmd: not started")
)
