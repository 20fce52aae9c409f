// Package exception provides a typed error taxonomy for the migration coordination
// engine, standardizing how errors are classified for retry, rollback, and reporting.
package exception

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// Class is the error taxonomy from the engine's error handling design.
type Class int

const (
	// ClassTransient covers connection loss, timeouts, and back-end "retry later" responses.
	// Retried with exponential backoff up to a step-level attempt limit.
	ClassTransient Class = iota
	// ClassContention covers lock busy and optimistic CAS failures.
	// Retried with a shorter backoff; sustained contention fails the step.
	ClassContention
	// ClassLogical covers schema conflicts, transformer rejections, validation mismatches.
	// Never retried; fails the step immediately.
	ClassLogical
	// ClassStructural covers plan cycles, missing compensations, topology mismatches.
	// Fails the Migration before or at the detecting transition; no retry.
	ClassStructural
	// ClassFatal covers Status Store unavailability. No engine component raises
	// it or handles it specially: scheduling is not suspended on it.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassContention:
		return "contention"
	case ClassLogical:
		return "logical"
	case ClassStructural:
		return "structural"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// errorRegistry maps error class names referenced in configuration to concrete
// sentinel error instances usable with errors.Is.
var errorRegistry = make(map[string]error)
var registryMutex sync.RWMutex

// RegisterErrorClass registers a sentinel error under a configuration-facing name.
// Panics on empty name or nil prototype — both indicate a programming error at
// process start, not a runtime condition.
func RegisterErrorClass(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("error class name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("cannot register nil prototype for name: %s", name))
	}
	errorRegistry[name] = prototype
}

// IsErrorClassRegistered reports whether name has a registered sentinel.
func IsErrorClassRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// MigrationError is the engine's typed error. It carries the component where the
// error occurred, a human-readable message, the wrapped cause, its taxonomy class,
// and a captured stack trace for diagnostics.
type MigrationError struct {
	// Component names the part of the engine that raised the error (e.g. "executor", "planner", "statusstore").
	Component string
	// Message is a concise description of the error.
	Message string
	// Cause is the wrapped original error, if any.
	Cause error
	// class is the taxonomy classification driving retry/rollback behavior.
	class Class
	// StackTrace is the stack at the time of the error.
	StackTrace string
}

// New creates a MigrationError with the given taxonomy class.
func New(component, message string, cause error, class Class) *MigrationError {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return &MigrationError{
		Component:  component,
		Message:    message,
		Cause:      cause,
		class:      class,
		StackTrace: string(buf[:n]),
	}
}

// Newf creates a MigrationError with a formatted message.
func Newf(component string, class Class, cause error, format string, a ...interface{}) *MigrationError {
	return New(component, fmt.Sprintf(format, a...), cause, class)
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.class, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.class, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is/errors.As.
func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// Class returns the error's taxonomy classification.
func (e *MigrationError) Class() Class {
	return e.class
}

// IsRetryable reports whether the engine's retry policy should attempt this error
// again — true only for the Transient and Contention classes.
func (e *MigrationError) IsRetryable() bool {
	return e.class == ClassTransient || e.class == ClassContention
}

// ErrOptimisticLockFailure is the sentinel for a failed CAS write against the Status Store.
var ErrOptimisticLockFailure = errors.New("optimistic_lock_failure")

// NewOptimisticLockFailure wraps ErrOptimisticLockFailure as a ClassContention error —
// CAS failures are retried with backoff, not treated as immediately fatal.
func NewOptimisticLockFailure(component, message string, cause error) *MigrationError {
	wrapped := ErrOptimisticLockFailure
	if cause != nil {
		wrapped = fmt.Errorf("%w: %v", ErrOptimisticLockFailure, cause)
	}
	return New(component, message, wrapped, ClassContention)
}

// IsOptimisticLockFailure reports whether err is (or wraps) ErrOptimisticLockFailure.
func IsOptimisticLockFailure(err error) bool {
	return errors.Is(err, ErrOptimisticLockFailure)
}

// IsMigrationError reports whether err is a *MigrationError.
func IsMigrationError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*MigrationError)
	return ok
}

// ClassOf returns the taxonomy class of err. Errors that are not a *MigrationError
// are classified Transient for unrecognized transport-looking failures (timeout,
// connection refused, EOF) and Logical otherwise — the conservative default is to
// not retry what the engine did not classify itself.
func ClassOf(err error) Class {
	if err == nil {
		return ClassLogical
	}
	if me, ok := err.(*MigrationError); ok {
		return me.class
	}
	s := err.Error()
	if strings.Contains(s, "timeout") || strings.Contains(s, "connection refused") || strings.Contains(s, "EOF") {
		return ClassTransient
	}
	return ClassLogical
}

// IsErrorOfClass checks err (and its unwrap chain) against a registered class name,
// an error-message substring, or a reflected type name, in that order. This lets
// configuration name retryable/skippable error classes without reflecting on
// unexported engine types.
func IsErrorOfClass(err error, className string) bool {
	if err == nil {
		return false
	}

	registryMutex.RLock()
	target, ok := errorRegistry[className]
	registryMutex.RUnlock()
	if ok && errors.Is(err, target) {
		return true
	}

	current := err
	for current != nil {
		if strings.Contains(current.Error(), className) {
			return true
		}
		t := reflect.TypeOf(current)
		if t != nil {
			if t.String() == className || (t.Kind() == reflect.Ptr && t.Elem().String() == className) {
				return true
			}
		}
		current = errors.Unwrap(current)
	}
	return false
}

func init() {
	RegisterErrorClass("optimistic_lock_failure", ErrOptimisticLockFailure)
	RegisterErrorClass("io.EOF", errors.New("io.EOF"))
	RegisterErrorClass("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorClass("context.Canceled", context.Canceled)
	RegisterErrorClass("sql.ErrNoRows", sql.ErrNoRows)
}

// Message extracts a clean description from err: the Message field for a
// *MigrationError, otherwise err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	if me, ok := err.(*MigrationError); ok {
		return me.Message
	}
	return err.Error()
}
