package dynconfig

import (
	"fmt"
	"strings"
)

// ValidationError reports a rejected write. No mutation has occurred when it is returned.
type ValidationError struct {
	Key    ConfigKey
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, strings.Join(e.Errors, ", "))
}

// NotFoundError reports an unknown config key or an unknown target version.
type NotFoundError struct {
	Key     ConfigKey
	Version int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("version %d not found for %s", e.Version, e.Key)
	}
	return fmt.Sprintf("configuration not found: %s", e.Key)
}

// ConflictError reports a duplicate active key on create or an illegal state transition.
type ConflictError struct {
	Key    ConfigKey
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Reason)
}

// ServiceError wraps internal faults with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
