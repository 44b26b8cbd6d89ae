package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for common store conditions.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateID      = errors.New("duplicate id")
	ErrInvalidData      = errors.New("invalid data")
	ErrConnectionFailed = errors.New("connection failed")
	ErrMigrationFailed  = errors.New("migration failed")
)

// StoreError wraps storage failures with operation context.
type StoreError struct {
	Op      string // operation that failed, e.g. "create_deployment"
	Entity  string // entity type, e.g. "deployment"
	ID      string // entity identifier, if known
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store: %s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	return fmt.Sprintf("store: %s %s: %s", e.Op, e.Entity, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError with the given context.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

// IsNotFound reports whether the error chain contains ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
