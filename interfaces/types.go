package interfaces

import (
	"fmt"
	"time"
)

// DatasetID identifies a dataset. Assigned by the control plane.
type DatasetID int64

// String returns the decimal representation.
func (id DatasetID) String() string { return fmt.Sprintf("%d", int64(id)) }

// SessionID identifies a collaboration session. Assigned by the control plane.
// Zero is reserved: a dataset with no session is stored session-less.
type SessionID int64

// String returns the decimal representation.
func (id SessionID) String() string { return fmt.Sprintf("%d", int64(id)) }

// QueryID identifies an approved query submitted by the control plane.
type QueryID int64

// String returns the decimal representation.
func (id QueryID) String() string { return fmt.Sprintf("%d", int64(id)) }

// DatasetRecord is the in-memory registry entry for one ingested dataset.
// Records are immutable once stored; re-ingestion under the same DatasetID is
// a conflict, never an update.
type DatasetRecord struct {
	// DatasetID is the registry key.
	DatasetID DatasetID

	// SessionID is the owning session, or 0 for a session-less dataset.
	// Every later reference to the dataset must present the same session id;
	// the check happens before any decryption.
	SessionID SessionID

	// Ciphertext is the plaintext re-encrypted under the resolved storage key.
	Ciphertext []byte

	// Nonce is the AES-GCM nonce used for Ciphertext.
	Nonce []byte

	// StorageKey is the AES-256 key protecting Ciphertext. For session-bound
	// datasets it is derived from the session key; for session-less datasets
	// it is a fresh dataset-scoped key. Never serialized.
	StorageKey []byte

	// Filename is the client-declared file name. Informational only.
	Filename string

	// FileSize is the client-declared size in bytes. Informational only.
	FileSize int64

	// Checksum is the hex SHA-256 of the decrypted plaintext.
	Checksum string

	// TableName is the derived table name inside the session container.
	// Empty for session-less datasets, which are never loaded into a container.
	TableName string

	// RowCount is the number of data rows loaded into the container.
	RowCount int

	// UploadedAt is the ingestion timestamp (UTC).
	UploadedAt time.Time
}

// QueryResult holds the outcome of a sandboxed query execution.
type QueryResult struct {
	Columns       []string
	Rows          [][]string
	RowCount      int
	ExecutionTime time.Duration
}

// LoadResult describes a dataset loaded into a session container.
type LoadResult struct {
	TableName string
	RowCount  int

	// Columns maps each original header to its sanitized column name,
	// in header order.
	Columns []ColumnMapping
}

// ColumnMapping pairs an original CSV header with its sanitized identifier.
type ColumnMapping struct {
	Header    string `json:"header"`
	Sanitized string `json:"sanitized"`
}

// Notifier reports ingestion and query outcomes to the control plane.
// Implementations are best-effort: they must never return transport failures
// to callers that would otherwise have succeeded.
type Notifier interface {
	// NotifyDataset reports a dataset status change.
	NotifyDataset(id DatasetID, status string, metadata map[string]any)

	// NotifyQuery reports a query status change.
	NotifyQuery(id QueryID, status string, metadata map[string]any)
}

// EntityType values used in control-plane callbacks.
const (
	EntityDataset = "dataset"
	EntityQuery   = "query"
)

// Dataset status values reported to the control plane.
const (
	StatusAvailable = "available"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)
