package apperr

// ExitCoder is the optional capability of a failure to propose a specific
// process exit code. Resolution walks the cause chain and takes the first
// value exposing it.
type ExitCoder interface {
	ExitCode() int
}

// ExitError wraps an error with a specific process exit code.
//
// Most failures still resolve to a generic non-zero code; ExitError is for
// the cases where callers need a stable, deliberate code (license checks,
// configuration rejection, operator-initiated shutdown).
type ExitError struct {
	Code int
	Err  error
}

// WithExitCode attaches an exit code to an existing error
func WithExitCode(err error, code int) *ExitError {
	return &ExitError{Code: code, Err: err}
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExitCode implements the ExitCoder capability
func (e *ExitError) ExitCode() int {
	if e == nil {
		return 0
	}
	return e.Code
}
