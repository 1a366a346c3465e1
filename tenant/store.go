// Package tenant implements per-session cryptographic isolation: one volatile
// AES-256 key per collaboration session, an immutable in-memory dataset
// registry, and the identifier sanitization shared with the query sandbox.
//
// Session keys live only in process memory. A restart destroys them all and
// requires re-ingestion; this is a deliberate security property, not a gap.
package tenant

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbrown/permissible-ai/cryptoutils"
	"github.com/dbrown/permissible-ai/interfaces"
)

// Store maps sessions to their encryption keys and datasets to their records.
// All methods are safe for concurrent use; lazy key creation is an atomic
// get-or-insert, so two simultaneous first uses of a session observe the same
// key.
type Store struct {
	mu          sync.Mutex
	sessionKeys map[interfaces.SessionID][]byte
	datasets    map[interfaces.DatasetID]*interfaces.DatasetRecord

	log *slog.Logger
}

// NewStore creates an empty tenant store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		sessionKeys: make(map[interfaces.SessionID][]byte),
		datasets:    make(map[interfaces.DatasetID]*interfaces.DatasetRecord),
		log:         log,
	}
}

// KeyForSession returns the session's AES-256 key, creating it on first use.
// Exactly one key exists per session for the process lifetime.
func (s *Store) KeyForSession(id interfaces.SessionID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.sessionKeys[id]; ok {
		return key, nil
	}

	key, err := cryptoutils.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	s.sessionKeys[id] = key
	s.log.Info("Generated new session key", slog.String("sessionID", id.String()))
	return key, nil
}

// SessionKey returns the session's key without creating one.
func (s *Store) SessionKey(id interfaces.SessionID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sessionKeys[id]
	return key, ok
}

// PutDataset stores a dataset record. Re-ingestion under an existing dataset
// identifier is a conflict; the stored record is never overwritten.
func (s *Store) PutDataset(rec *interfaces.DatasetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[rec.DatasetID]; exists {
		return fmt.Errorf("%w: dataset %s already ingested", interfaces.ErrConflict, rec.DatasetID)
	}
	s.datasets[rec.DatasetID] = rec
	return nil
}

// Dataset returns the record for a dataset id.
func (s *Store) Dataset(id interfaces.DatasetID) (*interfaces.DatasetRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.datasets[id]
	return rec, ok
}

// DatasetForSession returns the record only if it is bound to the given
// session. A missing record and a session mismatch are indistinguishable to
// the caller; both are authorization failures, checked before any decryption.
func (s *Store) DatasetForSession(id interfaces.DatasetID, session interfaces.SessionID) (*interfaces.DatasetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.datasets[id]
	if !ok || rec.SessionID != session {
		return nil, fmt.Errorf("%w: dataset %s not found or not bound to session %s", interfaces.ErrAuthorization, id, session)
	}
	return rec, nil
}

// RemoveSession destroys the session's key and forgets every dataset record
// bound to it. Returns the ids of the forgotten datasets. Container deletion
// is the sandbox's concern.
func (s *Store) RemoveSession(id interfaces.SessionID) []interfaces.DatasetID {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessionKeys, id)

	var removed []interfaces.DatasetID
	for datasetID, rec := range s.datasets {
		if rec.SessionID == id {
			delete(s.datasets, datasetID)
			removed = append(removed, datasetID)
		}
	}

	s.log.Info("Session torn down",
		slog.String("sessionID", id.String()),
		slog.Int("datasetsRemoved", len(removed)))
	return removed
}
