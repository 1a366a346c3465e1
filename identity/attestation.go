package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// TEEType tags the environment flavor in attestation documents.
	TEEType = "gcp_confidential_vm"

	// SignatureAlgorithm identifies the attestation signature scheme.
	SignatureAlgorithm = "RSA-PSS-SHA256"

	// AttestationValidity is the document expiry window.
	AttestationValidity = 24 * time.Hour

	gcpMetadataBaseURL = "http://metadata.google.internal/computeMetadata/v1"
	metadataTimeout    = 2 * time.Second
)

// SignedAttestation is the issuance result: the exact canonical document
// bytes that were signed, the signature, and the algorithm identifier.
type SignedAttestation struct {
	Document  json.RawMessage
	Signature []byte
	Algorithm string
}

// IssueAttestation assembles, canonically serializes, and signs an attestation
// document. Instance metadata is fetched best-effort; a metadata failure
// degrades the corresponding fields to null and never aborts issuance.
// A signing failure is fatal to the request.
func (m *Manager) IssueAttestation() (*SignedAttestation, error) {
	now := time.Now().UTC()

	doc := map[string]any{
		"tee_type":         TEEType,
		"code_measurement": m.measurement,
		"image_id":         nullable(m.imageID),
		"instance_id":      m.instanceMetadata("instance/id"),
		"instance_name":    m.instanceMetadata("instance/name"),
		"zone":             m.instanceMetadata("instance/zone"),
		"public_key":       string(m.publicPEM),
		"generated_at":     now.Format(time.RFC3339Nano),
		"expires_at":       now.Add(AttestationValidity).Format(time.RFC3339Nano),

		// Capability flags asserted by the image build.
		"confidential_computing": true,
		"secure_boot":            true,
		"ssh_disabled":           true,
		"immutable_code":         true,
	}

	// Marshaling a map yields sorted keys, which is the canonical form the
	// signature covers. The same bytes are returned to the client verbatim.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attestation document: %w", err)
	}

	digest := sha256.Sum256(canonical)
	signature, err := rsa.SignPSS(rand.Reader, m.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("attestation signing failed: %w", err)
	}

	return &SignedAttestation{
		Document:  canonical,
		Signature: signature,
		Algorithm: SignatureAlgorithm,
	}, nil
}

// instanceMetadata fetches one metadata key from the hosting platform.
// Returns nil (JSON null) on any failure.
func (m *Manager) instanceMetadata(key string) any {
	req, err := http.NewRequest(http.MethodGet, m.metadataBaseURL+"/"+key, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := m.metadataClient.Do(req)
	if err != nil {
		m.log.Debug("Instance metadata fetch failed", slog.String("key", key), "err", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.log.Debug("Instance metadata fetch returned non-200",
			slog.String("key", key), slog.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil
	}
	return string(body)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// VerifyAttestation checks a signed attestation document against the public
// key embedded in it and rejects expired or unparsable documents. It is the
// client-side counterpart to IssueAttestation, used by the verification CLI
// and the tests.
func VerifyAttestation(document json.RawMessage, signature []byte) error {
	var fields struct {
		PublicKey string `json:"public_key"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(document, &fields); err != nil {
		return fmt.Errorf("unparsable attestation document: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, fields.ExpiresAt)
	if err != nil {
		return fmt.Errorf("unparsable expiry: %w", err)
	}
	if time.Now().After(expiresAt) {
		return errors.New("attestation document has expired")
	}

	block, _ := pem.Decode([]byte(fields.PublicKey))
	if block == nil {
		return errors.New("attestation document carries no PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse embedded public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("embedded public key is %T, expected RSA", pub)
	}

	digest := sha256.Sum256(document)
	if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}); err != nil {
		return fmt.Errorf("attestation signature verification failed: %w", err)
	}
	return nil
}
