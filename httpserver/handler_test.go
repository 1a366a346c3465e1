package httpserver

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrown/permissible-ai/cryptoutils"
	"github.com/dbrown/permissible-ai/identity"
	"github.com/dbrown/permissible-ai/ingest"
	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/sandbox"
	"github.com/dbrown/permissible-ai/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Key generation is expensive, so all tests share one identity keypair.
var (
	identityKeyOnce sync.Once
	identityKey     *rsa.PrivateKey
)

func testIdentity(t *testing.T) *identity.Manager {
	t.Helper()
	identityKeyOnce.Do(func() {
		var err error
		identityKey, err = rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			panic(err)
		}
	})

	keyDir := t.TempDir()
	privDER, err := x509.MarshalPKCS8PrivateKey(identityKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(keyDir, identity.PrivateKeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0600))

	pubDER, err := x509.MarshalPKIXPublicKey(&identityKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(keyDir, identity.PublicKeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0644))

	require.NoError(t, os.WriteFile(filepath.Join(keyDir, identity.CodeHashFile),
		[]byte("deadbeef"), 0644))

	m, err := identity.NewManager(identity.Config{KeyDir: keyDir, Log: testLogger()})
	require.NoError(t, err)
	return m
}

// discardNotifier swallows all callbacks.
type discardNotifier struct{}

func (discardNotifier) NotifyDataset(interfaces.DatasetID, string, map[string]any) {}
func (discardNotifier) NotifyQuery(interfaces.QueryID, string, map[string]any)     {}

type testServer struct {
	router   http.Handler
	identity *identity.Manager
	tenants  *tenant.Store
}

func newTestServer(t *testing.T, uploadTokenSecret []byte) *testServer {
	t.Helper()

	idm := testIdentity(t)
	tenants := tenant.NewStore(testLogger())
	engine, err := sandbox.NewEngine(t.TempDir(), 0, testLogger())
	require.NoError(t, err)
	ingester := ingest.NewService(idm, tenants, engine, discardNotifier{}, nil, testLogger())
	handler := NewHandler(idm, ingester, tenants, engine, discardNotifier{}, testLogger())

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger(),
		UploadTokenSecret:        uploadTokenSecret,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)

	return &testServer{router: srv.getRouter(), identity: idm, tenants: tenants}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	resp := w.Result()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var parsed map[string]any
	if len(respBody) > 0 {
		require.NoError(t, json.Unmarshal(respBody, &parsed), string(respBody))
	}
	return resp, parsed
}

// uploadBody builds a hybrid-encrypted upload request the way the control
// plane does.
func uploadBody(t *testing.T, idm *identity.Manager, datasetID int64, sessionID *int64, csvText string) map[string]any {
	t.Helper()

	key, err := cryptoutils.NewAESKey()
	require.NoError(t, err)
	nonce, err := cryptoutils.NewNonce()
	require.NoError(t, err)
	ciphertext, err := cryptoutils.SealAESGCM(key, nonce, []byte(csvText))
	require.NoError(t, err)
	wrapped, err := cryptoutils.WrapKeyOAEP(&idm.PrivateKey().PublicKey, key)
	require.NoError(t, err)

	body := map[string]any{
		"dataset_id":     datasetID,
		"encrypted_key":  base64.StdEncoding.EncodeToString(wrapped),
		"encrypted_data": base64.StdEncoding.EncodeToString(ciphertext),
		"iv":             base64.StdEncoding.EncodeToString(nonce),
		"filename":       "dataset.csv",
		"file_size":      len(csvText),
	}
	if sessionID != nil {
		body["session_id"] = *sessionID
	}
	return body
}

const salesCSV = "Region,Units\nnorth,10\nsouth,25\n"

func authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer test-upload-token"}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["tee_active"])

	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	require.NoError(t, err)
}

func TestHandleAttestation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/attestation", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, identity.SignatureAlgorithm, body["signature_algorithm"])

	// The served document verifies against its embedded public key
	document, err := json.Marshal(body["attestation"])
	require.NoError(t, err)
	signature, err := base64.StdEncoding.DecodeString(body["signature"].(string))
	require.NoError(t, err)
	require.NoError(t, identity.VerifyAttestation(document, signature))
}

func TestHandleUploadRequiresBearer(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)
	body := uploadBody(t, ts.identity, 1, &sessionID, salesCSV)

	resp, parsed := ts.do(t, http.MethodPost, "/upload", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, parsed["error"], "authorization")

	resp, _ = ts.do(t, http.MethodPost, "/upload", body, map[string]string{"Authorization": "Basic dXNlcg=="})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleUploadVerifiesJWT(t *testing.T) {
	secret := []byte("shared-control-plane-secret")
	ts := newTestServer(t, secret)
	sessionID := int64(10)
	body := uploadBody(t, ts.identity, 1, &sessionID, salesCSV)

	// A token signed with the wrong secret is rejected
	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "control-plane",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	resp, _ := ts.do(t, http.MethodPost, "/upload", body,
		map[string]string{"Authorization": "Bearer " + badToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A properly signed token is accepted
	goodToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "control-plane",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	resp, parsed := ts.do(t, http.MethodPost, "/upload", body,
		map[string]string{"Authorization": "Bearer " + goodToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode, parsed)
}

func TestUploadAndExecute(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	resp, body := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(1), body["dataset_id"])
	assert.Equal(t, float64(2), body["row_count"])
	assert.Len(t, body["checksum"], 64)

	resp, body = ts.do(t, http.MethodPost, "/execute", map[string]any{
		"query_id":    100,
		"session_id":  sessionID,
		"query_text":  "SELECT region, units FROM dataset_1_dataset ORDER BY region",
		"dataset_ids": []int64{1},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(100), body["query_id"])
	assert.Equal(t, float64(2), body["row_count"])
	assert.GreaterOrEqual(t, body["execution_time"], float64(0))
}

func TestExecuteRejectsForeignDataset(t *testing.T) {
	ts := newTestServer(t, nil)
	ownerSession := int64(10)

	resp, _ := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &ownerSession, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another session listing the dataset is refused before any data access
	resp, body := ts.do(t, http.MethodPost, "/execute", map[string]any{
		"query_id":    101,
		"session_id":  11,
		"query_text":  "SELECT * FROM dataset_1_dataset",
		"dataset_ids": []int64{1},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "not bound to session")
}

func TestExecuteRejectsForbiddenQueries(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	resp, _ := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/execute", map[string]any{
		"query_id":    102,
		"session_id":  sessionID,
		"query_text":  "DROP TABLE dataset_1_dataset",
		"dataset_ids": []int64{1},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadConflictStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	resp, _ := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUploadBadCiphertextStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	body := uploadBody(t, ts.identity, 1, &sessionID, salesCSV)
	body["encrypted_data"] = base64.StdEncoding.EncodeToString([]byte("garbage"))

	resp, parsed := ts.do(t, http.MethodPost, "/upload", body, authHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, parsed["error"])
}

func TestHandleSchema(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	resp, _ := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, fmt.Sprintf("/schema/%d", sessionID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(sessionID), body["session_id"])

	tables := body["tables"].([]any)
	require.Len(t, tables, 1)
	table := tables[0].(map[string]any)
	assert.Equal(t, "dataset_1_dataset", table["name"])
	assert.Equal(t, float64(2), table["row_count"])

	resp, _ = ts.do(t, http.MethodGet, "/schema/notanumber", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleTeardown(t *testing.T) {
	ts := newTestServer(t, nil)
	sessionID := int64(10)

	resp, _ := ts.do(t, http.MethodPost, "/upload",
		uploadBody(t, ts.identity, 1, &sessionID, salesCSV), authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodDelete, fmt.Sprintf("/session/%d", sessionID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
	assert.Equal(t, float64(1), body["datasets_removed"])

	// The dataset and its session key are gone
	_, ok := ts.tenants.Dataset(1)
	assert.False(t, ok)
	_, ok = ts.tenants.SessionKey(interfaces.SessionID(sessionID))
	assert.False(t, ok)

	// Teardown is idempotent
	resp, body = ts.do(t, http.MethodDelete, fmt.Sprintf("/session/%d", sessionID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["datasets_removed"])
}
