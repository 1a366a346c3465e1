package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

const (
	// PrivateKeyFile is the provisioned private key file name under the key directory.
	PrivateKeyFile = "tee_private_key.pem"

	// PublicKeyFile is the provisioned public key file name under the key directory.
	PublicKeyFile = "tee_public_key.pem"

	// MinModulusBits is the minimum accepted RSA modulus size.
	MinModulusBits = 3072

	// generatedKeyBits is the modulus size for the dev-only ephemeral fallback.
	generatedKeyBits = 4096
)

// ErrEphemeralKeyForbidden is returned when no provisioned keypair exists and
// the manager is running in production mode.
var ErrEphemeralKeyForbidden = errors.New("no provisioned identity keypair and ephemeral keys are forbidden in production")

// Config controls identity manager construction.
type Config struct {
	// KeyDir is the directory holding provisioned key material and image
	// metadata. Files under it are read-only inputs, never written.
	KeyDir string

	// Production forbids the ephemeral keypair fallback.
	Production bool

	// MetadataBaseURL overrides the instance metadata server base URL.
	// Empty selects the GCP metadata server.
	MetadataBaseURL string

	Log *slog.Logger
}

// Manager owns the identity keypair and issues attestations. Immutable after
// construction; safe for concurrent use.
type Manager struct {
	priv        *rsa.PrivateKey
	publicPEM   []byte
	measurement string
	imageID     string
	ephemeral   bool

	metadataBaseURL string
	metadataClient  *http.Client

	log *slog.Logger
}

// NewManager loads or generates the identity keypair and computes the code
// measurement. Provisioned keys at well-known paths under cfg.KeyDir are
// preferred; the generation fallback is development-only and logged loudly.
func NewManager(cfg Config) (*Manager, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		metadataBaseURL: cfg.MetadataBaseURL,
		metadataClient:  &http.Client{Timeout: metadataTimeout},
		log:             log,
	}
	if m.metadataBaseURL == "" {
		m.metadataBaseURL = gcpMetadataBaseURL
	}

	if err := m.loadOrGenerateKeypair(cfg.KeyDir, cfg.Production); err != nil {
		return nil, err
	}

	measurement, err := computeCodeMeasurement(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to compute code measurement: %w", err)
	}
	m.measurement = measurement
	m.imageID = loadImageID(cfg.KeyDir)

	log.Info("Identity initialized",
		slog.String("codeMeasurement", m.measurement),
		slog.Bool("ephemeralKey", m.ephemeral),
		slog.Int("modulusBits", m.priv.N.BitLen()))
	if m.imageID != "" {
		log.Info("Image identity loaded", slog.String("imageID", m.imageID))
	}

	return m, nil
}

// PublicKeyPEM returns the PEM encoding of the identity public key.
func (m *Manager) PublicKeyPEM() []byte {
	out := make([]byte, len(m.publicPEM))
	copy(out, m.publicPEM)
	return out
}

// PrivateKey returns the identity private key for in-process unwrap and
// signing operations. The key must never be serialized or logged.
func (m *Manager) PrivateKey() *rsa.PrivateKey { return m.priv }

// CodeMeasurement returns the cached code measurement digest.
func (m *Manager) CodeMeasurement() string { return m.measurement }

// Ephemeral reports whether the keypair was generated at startup rather than
// loaded from provisioned material.
func (m *Manager) Ephemeral() bool { return m.ephemeral }

func (m *Manager) loadOrGenerateKeypair(keyDir string, production bool) error {
	privPath := filepath.Join(keyDir, PrivateKeyFile)
	pubPath := filepath.Join(keyDir, PublicKeyFile)

	if fileExists(privPath) && fileExists(pubPath) {
		m.log.Info("Loading identity keypair from image", slog.String("keyDir", keyDir))

		priv, err := loadPrivateKeyPEM(privPath)
		if err != nil {
			return fmt.Errorf("failed to load provisioned private key: %w", err)
		}
		pubPEM, err := os.ReadFile(pubPath)
		if err != nil {
			return fmt.Errorf("failed to read provisioned public key: %w", err)
		}
		if err := verifyKeypairMatch(priv, pubPEM); err != nil {
			return fmt.Errorf("provisioned keypair mismatch: %w", err)
		}
		if priv.N.BitLen() < MinModulusBits {
			return fmt.Errorf("provisioned key modulus is %d bits, minimum is %d", priv.N.BitLen(), MinModulusBits)
		}

		m.priv = priv
		m.publicPEM = pubPEM
		return nil
	}

	if production {
		return ErrEphemeralKeyForbidden
	}

	m.log.Warn("Identity keys not found in image, generating ephemeral keypair")
	m.log.Warn("Ephemeral identity keys must only be used in development")

	priv, err := rsa.GenerateKey(rand.Reader, generatedKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	m.priv = priv
	m.publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	m.ephemeral = true
	return nil
}

func loadPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("not a PEM file")
	}

	// PKCS#8 first, PKCS#1 as fallback.
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("provisioned key is %T, expected RSA", key)
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func verifyKeypairMatch(priv *rsa.PrivateKey, pubPEM []byte) error {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return errors.New("public key is not a PEM file")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("public key is %T, expected RSA", pub)
	}
	if rsaPub.N.Cmp(priv.N) != 0 || rsaPub.E != priv.E {
		return errors.New("public key does not match private key")
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
