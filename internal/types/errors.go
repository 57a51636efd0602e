package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	ErrCodeTransport           = "TRANSPORT_ERROR"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeUsage               = "USAGE_ERROR"
	ErrCodeSyncInProgress      = "SYNC_IN_PROGRESS"
)

// Error is a coded failure. Two errors match under errors.Is when their codes
// are equal, so the sentinels below can be used as targets.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrTransport = &Error{
		Code:       ErrCodeTransport,
		Message:    "catalog request failed",
		HTTPStatus: http.StatusBadGateway,
	}
	ErrConstraintViolation = &Error{
		Code:       ErrCodeConstraintViolation,
		Message:    "constraint violation",
		HTTPStatus: http.StatusConflict,
	}
	ErrUsage = &Error{
		Code:       ErrCodeUsage,
		Message:    "invalid context usage",
		HTTPStatus: http.StatusInternalServerError,
	}
	ErrSyncInProgress = &Error{
		Code:       ErrCodeSyncInProgress,
		Message:    "a sync of this type is already running",
		HTTPStatus: http.StatusConflict,
	}
)

func NewTransportError(err error, format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeTransport,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

func NewConstraintViolation(err error, format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeConstraintViolation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

func NewUsageError(format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeUsage,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// TranslateDBError converts integrity failures reported by the database into
// a ConstraintViolation and returns every other error unchanged.
func TranslateDBError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if IsConstraintError(err) {
		return NewConstraintViolation(err, "%s rejected", operation)
	}
	return err
}

func IsConstraintError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}

	// integrity_constraint_violation class
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}

	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

// HTTPStatus maps an error to the status used by the API handlers.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
