package datastore

import (
	"context"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

// Sentinel errors for repository operations.
var (
	// ErrEventNotFound indicates the requested emergency event does not exist.
	ErrEventNotFound = errors.NewStd("emergency event not found")

	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = errors.NewStd("user not found")

	// ErrDeliveryNotFound indicates no delivery attempt exists for the pair.
	ErrDeliveryNotFound = errors.NewStd("delivery attempt not found")
)

const (
	busyRetries = 3
	busyBackoff = 25 * time.Millisecond

	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

// dbError creates a categorized database error with context pairs.
func dbError(err error, operation string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	for i := 0; i+1 < len(context); i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

// notFound wraps a sentinel so callers can match it with errors.Is.
func notFound(sentinel error, key string, value any) error {
	return errors.New(sentinel).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context(key, value).
		Build()
}

// isTransientLock reports lock contention that clears on its own.
func isTransientLock(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout
	}
	return false
}

// withLockRetry runs a write and repeats it a few times on lock contention.
func withLockRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := range busyRetries {
		if err = op(); err == nil || !isTransientLock(err) {
			return err
		}
		GetLogger().Debug("database locked, retrying", logger.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(busyBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}
