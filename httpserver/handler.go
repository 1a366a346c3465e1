package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dbrown/permissible-ai/identity"
	"github.com/dbrown/permissible-ai/ingest"
	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/metrics"
	"github.com/dbrown/permissible-ai/sandbox"
	"github.com/dbrown/permissible-ai/tenant"
)

// maxBodySize is the maximum allowed request body size (32MB). Uploads carry
// base64-encoded ciphertext, so the effective dataset limit is lower.
const maxBodySize = 32 * 1024 * 1024

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler processes HTTP requests for the TEE data service. It integrates the
// identity manager, the ingestion pipeline, the tenant registry, and the query
// sandbox, and reports outcomes to the control plane.
type Handler struct {
	identity *identity.Manager
	ingester *ingest.Service
	tenants  *tenant.Store
	sandbox  *sandbox.Engine
	notifier interfaces.Notifier
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
func NewHandler(idm *identity.Manager, ingester *ingest.Service, tenants *tenant.Store, engine *sandbox.Engine, n interfaces.Notifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		identity: idm,
		ingester: ingester,
		tenants:  tenants,
		sandbox:  engine,
		notifier: n,
		log:      log,
	}
}

// HandleHealth reports service liveness.
//
// URL format: GET /health
//
// Response: JSON containing:
//   - status: "healthy"
//   - tee_active: whether the service runs with a persistent identity key
//   - timestamp: current UTC time, RFC 3339
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"tee_active": true,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleAttestation issues a freshly signed attestation document.
//
// URL format: GET /attestation
//
// Response: JSON containing:
//   - attestation: the canonical attestation document (embedded JSON)
//   - signature: base64-encoded RSA-PSS signature over the document bytes
//   - signature_algorithm: "RSA-PSS-SHA256"
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	att, err := h.identity.IssueAttestation()
	if err != nil {
		h.log.Error("Attestation issuance failed", "err", err)
		h.writeErrorMessage(w, http.StatusInternalServerError, "Failed to generate attestation")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"attestation":         att.Document,
		"signature":           base64.StdEncoding.EncodeToString(att.Signature),
		"signature_algorithm": att.Algorithm,
	})
}

// uploadRequest is the wire format of an ingestion request. The control plane
// wraps a fresh AES-256 key under the environment's public key and encrypts
// the dataset under that key before submitting.
type uploadRequest struct {
	DatasetID     int64  `json:"dataset_id"`
	SessionID     *int64 `json:"session_id,omitempty"`
	DatasetName   string `json:"dataset_name,omitempty"`
	EncryptedKey  string `json:"encrypted_key"`
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	Filename      string `json:"filename"`
	FileSize      int64  `json:"file_size"`
}

// HandleUpload processes a hybrid-encrypted dataset upload.
//
// URL format: POST /upload (bearer token required)
//
// Request body: JSON with dataset_id, optional session_id and dataset_name,
// base64-encoded encrypted_key, encrypted_data, and iv, plus the declared
// filename and file_size.
//
// Response: JSON containing status, dataset_id, checksum, and row_count.
// Failures map to the taxonomy status codes; the control plane is notified of
// the outcome either way.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	bundle, err := bundleFromRequest(&req)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		h.writeError(w, err)
		return
	}

	result, err := h.ingester.Ingest(r.Context(), *bundle)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		h.log.Error("Upload failed", "err", err, slog.Int64("datasetID", req.DatasetID))
		h.writeError(w, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"dataset_id": int64(result.DatasetID),
		"checksum":   result.Checksum,
		"row_count":  result.RowCount,
	})
}

func bundleFromRequest(req *uploadRequest) (*ingest.Bundle, error) {
	if req.DatasetID == 0 {
		return nil, fmt.Errorf("%w: missing dataset_id", interfaces.ErrValidation)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_key is not valid base64", interfaces.ErrValidation)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_data is not valid base64", interfaces.ErrValidation)
	}
	nonce, err := base64.StdEncoding.DecodeString(req.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not valid base64", interfaces.ErrValidation)
	}

	bundle := &ingest.Bundle{
		DatasetID:   interfaces.DatasetID(req.DatasetID),
		DatasetName: req.DatasetName,
		WrappedKey:  wrappedKey,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		Filename:    req.Filename,
		FileSize:    req.FileSize,
	}
	if req.SessionID != nil {
		bundle.SessionID = interfaces.SessionID(*req.SessionID)
		bundle.HasSession = true
	}
	return bundle, nil
}

// executeRequest is the wire format of an approved query submission.
type executeRequest struct {
	QueryID    int64   `json:"query_id"`
	SessionID  int64   `json:"session_id"`
	QueryText  string  `json:"query_text"`
	DatasetIDs []int64 `json:"dataset_ids"`
}

// HandleExecute runs an approved query inside the session's sandbox container.
//
// URL format: POST /execute
//
// Request body: JSON with query_id, session_id, query_text, and dataset_ids.
// Every listed dataset must belong to the session; an ownership mismatch is
// rejected before any dataset is decrypted.
//
// Response: JSON containing status, query_id, row_count, and execution_time
// in seconds. The control plane receives a completion callback with the same
// figures.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sessionID := interfaces.SessionID(req.SessionID)
	log := h.log.With(
		slog.Int64("queryID", req.QueryID),
		slog.Int64("sessionID", req.SessionID))

	// Ownership check for the full dataset list before touching any data.
	for _, id := range req.DatasetIDs {
		if _, err := h.tenants.DatasetForSession(interfaces.DatasetID(id), sessionID); err != nil {
			metrics.QueriesTotal.WithLabelValues("error").Inc()
			log.Error("Dataset ownership check failed", "err", err, slog.Int64("datasetID", id))
			h.writeError(w, err)
			return
		}
	}

	result, err := h.sandbox.Execute(r.Context(), sessionID, req.QueryText)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		log.Error("Query execution failed", "err", err)
		h.notifier.NotifyQuery(interfaces.QueryID(req.QueryID), interfaces.StatusFailed, map[string]any{
			"error": err.Error(),
		})
		h.writeError(w, err)
		return
	}

	metrics.QueriesTotal.WithLabelValues("success").Inc()
	metrics.QueryDuration.Observe(result.ExecutionTime.Seconds())
	log.Info("Query executed",
		slog.Int("rows", result.RowCount),
		slog.Duration("duration", result.ExecutionTime))

	h.notifier.NotifyQuery(interfaces.QueryID(req.QueryID), interfaces.StatusCompleted, map[string]any{
		"row_count":   result.RowCount,
		"executed_at": time.Now().UTC().Format(time.RFC3339),
	})

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"query_id":       req.QueryID,
		"row_count":      result.RowCount,
		"execution_time": result.ExecutionTime.Seconds(),
	})
}

// HandleSchema returns the table layout of a session's container.
//
// URL format: GET /schema/{session_id}
//
// Response: JSON containing session_id and the per-table column descriptions
// and row counts. Internal bookkeeping tables are not listed.
func (h *Handler) HandleSchema(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	schema, err := h.sandbox.SessionSchema(sessionID)
	if err != nil {
		h.log.Error("Schema lookup failed", "err", err, slog.String("sessionID", sessionID.String()))
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": int64(sessionID),
		"tables":     schema,
	})
}

// HandleTeardown removes a session's key material, dataset records, and
// sandbox container.
//
// URL format: DELETE /session/{session_id}
//
// Response: JSON containing session_id and the number of dataset records
// removed. Teardown is idempotent.
func (h *Handler) HandleTeardown(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	removed := h.tenants.RemoveSession(sessionID)
	existed, err := h.sandbox.DeleteContainer(sessionID)
	if err != nil {
		h.log.Error("Container removal failed", "err", err, slog.String("sessionID", sessionID.String()))
		h.writeError(w, err)
		return
	}

	h.log.Info("Session torn down",
		slog.String("sessionID", sessionID.String()),
		slog.Int("datasetsRemoved", len(removed)),
		slog.Bool("containerExisted", existed))

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "deleted",
		"session_id":       int64(sessionID),
		"datasets_removed": len(removed),
	})
}

func sessionIDParam(r *http.Request) (interfaces.SessionID, error) {
	raw := chi.URLParam(r, "session_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid session id %q", interfaces.ErrValidation, raw)
	}
	return interfaces.SessionID(id), nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps a taxonomy error to its HTTP status code. The mapping
// happens only here; component code wraps sentinels and never sees HTTP.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeErrorMessage(w, interfaces.StatusForError(err), err.Error())
}

func (h *Handler) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
