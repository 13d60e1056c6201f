// Package pgerr classifies database errors that are safe to retry.
package pgerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConcurrentModification marks a transaction that lost a race with another
// writer. The whole atomic operation may be retried once.
var ErrConcurrentModification = errors.New("concurrent modification")

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsRetryable reports whether err is a transient Postgres conflict.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrentModification) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// Classify wraps retryable errors with ErrConcurrentModification and leaves
// every other error untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

// RetryOnce runs fn and, when it fails with a retryable error, runs it one
// more time.
func RetryOnce(fn func() error) error {
	err := fn()
	if IsRetryable(err) {
		err = fn()
	}
	return Classify(err)
}
