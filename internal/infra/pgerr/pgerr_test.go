package pgerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryable(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsRetryable(ErrConcurrentModification))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, Classify(plain))

	err := Classify(&pgconn.PgError{Code: "40001"})
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestRetryOnce(t *testing.T) {
	calls := 0
	err := RetryOnce(func() error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryOnce(func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryOnce(func() error {
		calls++
		return errors.New("not retryable")
	})
	assert.EqualError(t, err, "not retryable")
	assert.Equal(t, 1, calls)
}
