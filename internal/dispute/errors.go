package dispute

import (
	"errors"
	"fmt"

	"github.com/mbd888/arbiter/internal/validation"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
)

// Stable error codes returned by KindOf.
const (
	KindNotFound         = "not_found"
	KindPermissionDenied = "permission_denied"
	KindInvalidState     = "invalid_state"
	KindConflict         = "conflict"
	KindValidation       = "validation_error"
	KindInternal         = "internal_error"
)

// KindOf classifies err into one of the stable codes.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

// IsDomain reports whether err is one of the typed failures.
func IsDomain(err error) bool {
	return KindOf(err) != KindInternal
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPermissionDenied}, args...)...)
}

func invalidState(d *Dispute, op string) error {
	return fmt.Errorf("%w: cannot %s dispute %s in status %s", ErrInvalidState, op, d.ID, d.Status)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// check runs field validators and folds failures into ErrValidation.
func check(validators ...func() *validation.ValidationError) error {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return &FieldError{Fields: errs}
	}
	return nil
}

// FieldError carries per-field validation failures.
type FieldError struct {
	Fields validation.ValidationErrors
}

func (e *FieldError) Error() string { return ErrValidation.Error() + ": " + e.Fields.Error() }
func (e *FieldError) Unwrap() error { return ErrValidation }
