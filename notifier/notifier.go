// Package notifier delivers best-effort status callbacks to the external
// control plane. Deliveries are fire-and-forget: a transport failure is
// logged, counted, and swallowed, because a reporting failure must never undo
// or fail the ingestion or query operation that triggered it.
package notifier

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/metrics"
)

const (
	callbackPath    = "/api/tee/callback"
	deliveryTimeout = 5 * time.Second
)

// Client posts status callbacks to the control plane.
type Client struct {
	controlPlaneURL string
	skip            bool
	httpClient      *http.Client
	log             *slog.Logger
}

// New creates a callback client for the given control-plane base URL. An
// empty URL disables deliveries entirely, for deployments where the requester
// polls instead of receiving callbacks.
func New(controlPlaneURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	skip := controlPlaneURL == ""
	if skip {
		log.Info("No control plane configured, status callbacks disabled")
	}

	return &Client{
		controlPlaneURL: strings.TrimSuffix(controlPlaneURL, "/"),
		skip:            skip,
		httpClient:      &http.Client{Timeout: deliveryTimeout},
		log:             log,
	}
}

// NotifyDataset reports a dataset status change.
func (c *Client) NotifyDataset(id interfaces.DatasetID, status string, metadata map[string]any) {
	c.notify(interfaces.EntityDataset, int64(id), status, metadata)
}

// NotifyQuery reports a query status change.
func (c *Client) NotifyQuery(id interfaces.QueryID, status string, metadata map[string]any) {
	c.notify(interfaces.EntityQuery, int64(id), status, metadata)
}

type callbackPayload struct {
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  string         `json:"timestamp"`
}

func (c *Client) notify(entityType string, entityID int64, status string, metadata map[string]any) {
	if c.skip {
		return
	}

	deliveryID := uuid.NewString()
	log := c.log.With(
		slog.String("deliveryID", deliveryID),
		slog.String("entityType", entityType),
		slog.Int64("entityID", entityID),
		slog.String("status", status))

	body, err := json.Marshal(callbackPayload{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     status,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		metrics.CallbackFailuresTotal.Inc()
		log.Error("Failed to encode callback payload", "err", err)
		return
	}

	resp, err := c.httpClient.Post(c.controlPlaneURL+callbackPath, "application/json", bytes.NewReader(body))
	if err != nil {
		metrics.CallbackFailuresTotal.Inc()
		log.Error("Failed to deliver status callback", "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.CallbackFailuresTotal.Inc()
		log.Error("Status callback rejected by control plane", slog.Int("statusCode", resp.StatusCode))
		return
	}

	log.Info("Delivered status callback")
}
