package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Common store operation errors.
// These are the standard errors that store implementations should return.
var (
	// ErrEntryNotFound is returned when a requested key does not exist in the namespace
	ErrEntryNotFound = errors.New("cache: entry not found")

	// ErrCacheMiss is an alias for ErrEntryNotFound
	ErrCacheMiss = ErrEntryNotFound

	// ErrNamespaceNotFound is returned when a namespace has never been opened
	ErrNamespaceNotFound = errors.New("cache: namespace not found")

	// ErrInvalidKey is returned when a request key is invalid (empty, too long, contains control characters)
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidNamespace is returned when a namespace name is empty or malformed
	ErrInvalidNamespace = errors.New("cache: invalid namespace")

	// ErrInvalidEntry is returned when an entry cannot be stored
	ErrInvalidEntry = errors.New("cache: invalid entry")

	// ErrStoreUnavailable is returned when a store is temporarily unavailable
	ErrStoreUnavailable = errors.New("cache: store unavailable")

	// ErrTimeout is returned when a store operation times out
	ErrTimeout = errors.New("cache: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("cache: circuit breaker open")
)

// IsNotFound checks if the given error indicates that an entry or namespace was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrNamespaceNotFound)
}

// IsTimeout checks if the given error indicates a timeout occurred.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable checks if the given error indicates a store is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsCircuitOpen checks if the given error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a string classification of the error type for metrics.
// This helps differentiate error types in observability dashboards.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEntryNotFound):
		return "entry_not_found"
	case errors.Is(err, ErrNamespaceNotFound):
		return "namespace_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidNamespace):
		return "invalid_namespace"
	case errors.Is(err, ErrInvalidEntry):
		return "invalid_entry"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "serialize", "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis", "leveldb"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with additional context about the store operation.
func WrapError(err error, store string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache store %s %s: %w", store, operation, err)
}
