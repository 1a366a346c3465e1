// Package ingest implements the hybrid-encryption ingestion pipeline: unwrap
// the per-upload symmetric key with the environment's identity key, decrypt
// and validate the payload, load it into the session's sandbox container, and
// re-encrypt the plaintext for at-rest isolation.
//
// The pipeline never logs plaintext. Only digests, sizes, and row counts
// appear in log output.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dbrown/permissible-ai/cryptoutils"
	"github.com/dbrown/permissible-ai/identity"
	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/sandbox"
	"github.com/dbrown/permissible-ai/tenant"
)

// Bundle is a validated upload request: a hybrid-encrypted dataset plus its
// declared metadata.
type Bundle struct {
	DatasetID   interfaces.DatasetID
	SessionID   interfaces.SessionID
	HasSession  bool
	DatasetName string
	WrappedKey  []byte
	Ciphertext  []byte
	Nonce       []byte
	Filename    string
	FileSize    int64
}

// Result reports a successful ingestion.
type Result struct {
	DatasetID interfaces.DatasetID
	Checksum  string
	RowCount  int
}

// Service runs the ingestion pipeline.
type Service struct {
	identity *identity.Manager
	tenants  *tenant.Store
	sandbox  *sandbox.Engine
	notifier interfaces.Notifier
	blobs    interfaces.BlobBackend

	log *slog.Logger
}

// NewService wires the pipeline. blobs may be nil to keep encrypted copies
// in memory only.
func NewService(idm *identity.Manager, tenants *tenant.Store, engine *sandbox.Engine, n interfaces.Notifier, blobs interfaces.BlobBackend, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		identity: idm,
		tenants:  tenants,
		sandbox:  engine,
		notifier: n,
		blobs:    blobs,
		log:      log,
	}
}

// Ingest runs the pipeline end to end. Any failure is reported to the
// control plane under the dataset id before being returned; a success is
// reported with the plaintext checksum and declared size. The operation is
// atomic from the caller's perspective: a dataset is never half-stored.
func (s *Service) Ingest(ctx context.Context, bundle Bundle) (*Result, error) {
	result, err := s.ingest(ctx, bundle)
	if err != nil {
		s.notifier.NotifyDataset(bundle.DatasetID, interfaces.StatusFailed, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	s.notifier.NotifyDataset(bundle.DatasetID, interfaces.StatusAvailable, map[string]any{
		"checksum":  result.Checksum,
		"file_size": bundle.FileSize,
	})
	return result, nil
}

func (s *Service) ingest(ctx context.Context, bundle Bundle) (*Result, error) {
	log := s.log.With(
		slog.String("datasetID", bundle.DatasetID.String()),
		slog.String("sessionID", bundle.SessionID.String()))

	// Re-ingestion is a conflict; check before any cryptographic work.
	if _, exists := s.tenants.Dataset(bundle.DatasetID); exists {
		return nil, fmt.Errorf("%w: dataset %s already ingested", interfaces.ErrConflict, bundle.DatasetID)
	}

	// Step 1: unwrap the per-upload symmetric key.
	uploadKey, err := cryptoutils.UnwrapKeyOAEP(s.identity.PrivateKey(), bundle.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCrypto, err)
	}

	// Step 2: authenticated decryption of the payload.
	plaintext, err := cryptoutils.OpenAESGCM(uploadKey, bundle.Nonce, bundle.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCrypto, err)
	}
	log.Info("Decrypted upload payload", slog.Int("plaintextBytes", len(plaintext)))

	// Step 3: plaintext must be UTF-8 text.
	if !utf8.Valid(plaintext) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8 text", interfaces.ErrValidation)
	}

	checksumBytes := sha256.Sum256(plaintext)
	checksum := hex.EncodeToString(checksumBytes[:])
	datasetName := resolveDatasetName(bundle)

	// Steps 4-5: structural validation and, for session-bound datasets,
	// physical loading into the session container. The sandbox validates
	// structure as part of loading; session-less datasets get the same
	// structural checks without a container.
	var (
		storageKey []byte
		tableName  string
		rowCount   int
	)
	if bundle.HasSession {
		sessionKey, err := s.tenants.KeyForSession(bundle.SessionID)
		if err != nil {
			return nil, err
		}

		loaded, err := s.sandbox.LoadTable(bundle.SessionID, bundle.DatasetID, datasetName, string(plaintext))
		if err != nil {
			return nil, err
		}
		tableName = loaded.TableName
		rowCount = loaded.RowCount

		storageKey, err = cryptoutils.DeriveSubkey(sessionKey, "dataset-"+bundle.DatasetID.String())
		if err != nil {
			return nil, err
		}
	} else {
		rowCount, err = validateStructure(string(plaintext))
		if err != nil {
			return nil, err
		}

		// No session, no container: the dataset gets its own volatile key.
		storageKey, err = cryptoutils.NewAESKey()
		if err != nil {
			return nil, err
		}
	}

	// Step 6: re-encrypt the plaintext for at-rest isolation of the stored copy.
	nonce, err := cryptoutils.NewNonce()
	if err != nil {
		return nil, err
	}
	stored, err := cryptoutils.SealAESGCM(storageKey, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	rec := &interfaces.DatasetRecord{
		DatasetID:  bundle.DatasetID,
		SessionID:  bundle.SessionID,
		Ciphertext: stored,
		Nonce:      nonce,
		StorageKey: storageKey,
		Filename:   bundle.Filename,
		FileSize:   bundle.FileSize,
		Checksum:   checksum,
		TableName:  tableName,
		RowCount:   rowCount,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.tenants.PutDataset(rec); err != nil {
		return nil, err
	}

	// Offload the encrypted copy; best-effort, memory remains authoritative.
	if s.blobs != nil {
		if id, err := s.blobs.Store(ctx, stored); err != nil {
			log.Warn("Failed to offload encrypted dataset copy", "err", err)
		} else {
			log.Debug("Offloaded encrypted dataset copy", slog.String("blobID", id.String()))
		}
	}

	log.Info("Dataset ingested",
		slog.String("checksum", checksum),
		slog.Int("rows", rowCount),
		slog.String("table", tableName))

	return &Result{DatasetID: bundle.DatasetID, Checksum: checksum, RowCount: rowCount}, nil
}

// DecryptStored recovers the plaintext of a stored dataset copy. Callers
// must have already verified session ownership.
func (s *Service) DecryptStored(rec *interfaces.DatasetRecord) ([]byte, error) {
	plaintext, err := cryptoutils.OpenAESGCM(rec.StorageKey, rec.Nonce, rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCrypto, err)
	}
	return plaintext, nil
}

// validateStructure applies the tabular checks (non-empty header, unique
// sanitized columns, at least one data row) without loading a container.
func validateStructure(csvText string) (int, error) {
	headers, rows, err := sandbox.ParseCSV(csvText)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		sanitized := tenant.SanitizeIdentifier(h)
		if _, dup := seen[sanitized]; dup {
			return 0, fmt.Errorf("%w: duplicate column name %q after sanitization", interfaces.ErrValidation, sanitized)
		}
		seen[sanitized] = struct{}{}
	}
	return len(rows), nil
}

func resolveDatasetName(bundle Bundle) string {
	if bundle.DatasetName != "" {
		return bundle.DatasetName
	}
	base := filepath.Base(bundle.Filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
