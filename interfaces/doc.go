// Package interfaces defines the shared types, error taxonomy, and component
// contracts used across the TEE data-collaboration service.
//
// The package contains no business logic. It exists so that the identity,
// ingestion, tenant, sandbox, notifier, and storage packages can depend on
// common definitions without depending on each other.
//
// # Identifiers
//
// Dataset, session, and query identifiers are 64-bit integers assigned by the
// external control plane. They appear verbatim on the wire and in callbacks:
//
//	type DatasetID int64
//	type SessionID int64
//	type QueryID int64
//
// # Error Taxonomy
//
// Every failure surfaced by the core maps onto one of five sentinel errors:
//
//   - ErrAuthorization - missing/invalid bearer credential, or a dataset
//     referenced under the wrong session
//   - ErrCrypto - key unwrap or AEAD authentication failure
//   - ErrValidation - malformed tabular input, duplicate columns, disallowed
//     query syntax
//   - ErrConflict - re-ingesting an existing dataset or table identifier
//   - ErrExecution - query engine failure or timeout
//
// Handlers classify errors with errors.Is and translate them into HTTP status
// codes exactly once, at the request boundary. Nothing in the core retries.
package interfaces
