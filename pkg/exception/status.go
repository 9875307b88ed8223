package exception

import (
	"fmt"
	"net/http"
)

// StatusError attaches an HTTP status to an error so that the middleware
// responds with that status instead of 500.
type StatusError struct {
	Status int
	Err    error
}

// WithStatusCode wraps err with status. A nil err stays nil.
func WithStatusCode(err error, status int) error {
	if err == nil {
		return nil
	}
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode reports the mapped status.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// Format keeps %+v of the wrapped error so stack traces survive wrapping.
func (e *StatusError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		fmt.Fprintf(s, "%+v", e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}
