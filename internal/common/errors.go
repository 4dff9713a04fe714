// Package common holds the error taxonomy, small logging helpers and
// filename conventions shared by every storage component.
package common

import (
	"fmt"
	"log"

	"github.com/pkg/errors"
)

// Sentinel errors a caller can match with errors.Is.
var (
	// ErrKeyNotFound is returned by a point read for an absent, tombstoned,
	// or (Bitcask) unreadable position. It is a miss, not a failure.
	ErrKeyNotFound = errors.New("stormkv: key not found")
	// ErrEmptyKey is InvalidArgument: callers must supply a non-empty key.
	ErrEmptyKey = errors.New("stormkv: key must not be empty")
	// ErrInvalidArgument covers other InvalidArgument cases (mismatched
	// batch lengths, an out-of-range configuration value).
	ErrInvalidArgument = errors.New("stormkv: invalid argument")
	// ErrCorruptFooter marks a sorted table whose footer magic does not match.
	ErrCorruptFooter = errors.New("stormkv: corrupt sstable footer")
	// ErrNotStarted / ErrClosed are LifecycleError. Both engines return
	// ErrNotStarted for an operation invoked before Start or after Close;
	// neither engine returns ErrClosed.
	ErrNotStarted = errors.New("stormkv: engine not started")
	ErrClosed     = errors.New("stormkv: engine closed")
	// ErrAlreadyLocked signals another process holds the data directory lock.
	ErrAlreadyLocked = errors.New("stormkv: data directory is locked by another process")
)

// Wrap attaches msg as context to err, or returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Warnf logs a best-effort failure that the caller has decided to swallow
// (directory fsync during close, compaction cleanup, periodic fsync ticks).
func Warnf(format string, args ...interface{}) {
	log.Printf("stormkv: warn: "+format, args...)
}

// Infof logs a lifecycle event (engine start, rotation, compaction).
func Infof(format string, args ...interface{}) {
	log.Printf("stormkv: "+format, args...)
}

// CondPanic panics with err if condition holds. Reserved for invariants
// that should never fail given correct internal bookkeeping (e.g. a
// manifest entry with no matching reader) -- never for I/O or data errors,
// which must be returned to the caller instead.
func CondPanic(condition bool, err error) {
	if condition {
		panic(fmt.Sprintf("stormkv: invariant violated: %v", err))
	}
}
