package interfaces

import (
	"errors"
	"net/http"
)

// Sentinel errors forming the service-wide failure taxonomy. Component code
// wraps these with fmt.Errorf("...: %w", Err...) so handlers can classify
// failures with errors.Is without parsing messages.
var (
	// ErrAuthorization covers missing or invalid bearer credentials and
	// dataset/session ownership mismatches. Raised before any cryptographic
	// work touches the payload.
	ErrAuthorization = errors.New("authorization error")

	// ErrCrypto covers key-unwrap failures and AEAD authentication failures.
	// A payload that fails authentication is never partially decrypted.
	ErrCrypto = errors.New("decryption error")

	// ErrValidation covers malformed tabular input, duplicate columns after
	// sanitization, non-UTF-8 plaintext, and disallowed query syntax.
	ErrValidation = errors.New("validation error")

	// ErrConflict covers re-ingestion of an existing dataset identifier and
	// derived table name collisions. The existing data is never overwritten.
	ErrConflict = errors.New("conflict")

	// ErrExecution covers query engine failures and query timeouts.
	ErrExecution = errors.New("execution error")
)

// StatusForError maps a taxonomy error to the HTTP status code returned at
// the request boundary. Unclassified errors map to 500.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCrypto), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrExecution):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
