package visit

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("visit not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTerminalState     = errors.New("visit is in a terminal state")
	ErrStaleVersion      = errors.New("stale version")
	ErrValidation        = errors.New("validation error")
	errInvariant         = errors.New("visit invariant violated")
)

// DomainError carries an operator-facing message for one of the workflow
// error kinds. Unwrap returns the sentinel so callers can use errors.Is.
type DomainError struct {
	Err     error  `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func notFound(id fmt.Stringer) error {
	return &DomainError{Err: ErrNotFound, Code: "not_found", Message: fmt.Sprintf("visit %s not found", id)}
}

func forbidden(role string, from Stage) error {
	return &DomainError{
		Err:     ErrForbidden,
		Code:    "forbidden",
		Message: fmt.Sprintf("you don't have permission to hand off a visit from %s (role %q)", from, role),
	}
}

func forbiddenAction(role, action string) error {
	return &DomainError{
		Err:     ErrForbidden,
		Code:    "forbidden",
		Message: fmt.Sprintf("you don't have permission to %s (role %q)", action, role),
	}
}

func invalidTransition(from, to Stage) error {
	return &DomainError{
		Err:     ErrInvalidTransition,
		Code:    "invalid_transition",
		Message: fmt.Sprintf("this visit cannot move from %s to %s", from, to),
	}
}

func terminalState(status Status) error {
	return &DomainError{
		Err:     ErrTerminalState,
		Code:    "visit_closed",
		Message: fmt.Sprintf("this visit is already closed (%s)", status),
	}
}

func staleVersion(expected, actual int) error {
	return &DomainError{
		Err:     ErrStaleVersion,
		Code:    "stale_version",
		Message: fmt.Sprintf("this visit was just updated by someone else (expected version %d, current %d)", expected, actual),
	}
}

func validation(format string, args ...interface{}) error {
	return &DomainError{Err: ErrValidation, Code: "invalid_request", Message: fmt.Sprintf(format, args...)}
}

func invariantError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvariant, fmt.Sprintf(format, args...))
}

// HTTPStatus maps a workflow error to its HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTerminalState), errors.Is(err, ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON error payload returned by the visit API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToErrorBody converts err to the payload shown to operators. Anything that
// is not a workflow error is reported as a generic retry message.
func ToErrorBody(err error) ErrorBody {
	var de *DomainError
	if errors.As(err, &de) {
		return ErrorBody{Code: de.Code, Message: de.Message}
	}
	return ErrorBody{Code: "internal", Message: "something went wrong saving the visit, please retry"}
}
