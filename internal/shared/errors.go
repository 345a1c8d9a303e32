package shared

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a malformed report, decision or request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a duplicate active review, an incomplete finish or a stale transition.
	ErrConflict = errors.New("conflict")
	// ErrMessageRejected marks poison messages that must be dead-lettered.
	ErrMessageRejected = errors.New("message rejected")
	// ErrTransientIO indicates the store or broker is unavailable; safe to retry.
	ErrTransientIO = errors.New("transient io failure")
)

// InvalidInput wraps ErrInvalidInput with a formatted detail.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Conflict wraps ErrConflict with a formatted detail.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with a formatted detail.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Rejected wraps ErrMessageRejected with a formatted detail.
func Rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMessageRejected, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// IncompleteReviewError lists the data point types still lacking a decision.
type IncompleteReviewError struct {
	Undecided []string
}

func (e *IncompleteReviewError) Error() string {
	types := append([]string(nil), e.Undecided...)
	sort.Strings(types)
	return fmt.Sprintf("%s: incomplete review, undecided data point types: %s", ErrConflict, strings.Join(types, ", "))
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *IncompleteReviewError) Unwrap() error { return ErrConflict }

// ClassifyStoreError maps driver errors onto the taxonomy. Unique violations
// become conflicts; timeouts and dropped connections become transient.
func ClassifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "40001", "40P01", "55P03":
			return Transient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return Transient(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return Transient(err)
	}
	return err
}
