package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dbrown/permissible-ai/interfaces"
)

// BackendFactory creates blob backends from location URIs.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a factory instance.
func NewBackendFactory(log *slog.Logger) *BackendFactory {
	if log == nil {
		log = slog.Default()
	}
	return &BackendFactory{log: log}
}

// BackendFor creates a blob backend from a location URI.
//
// Supported schemes:
//   - file:// - local file system (default)
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node
//   - vault:// - HashiCorp Vault KV v2 mount
//
// Returns ErrInvalidLocationURI for malformed URIs and an error for
// unsupported schemes.
func (f *BackendFactory) BackendFor(location interfaces.BlobBackendLocation) (interfaces.BlobBackend, error) {
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "ipfs":
		return f.createIPFSBackend(u)
	case "vault":
		return f.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("unsupported blob backend scheme: %s", u.Scheme)
	}
}

func (f *BackendFactory) createFileBackend(u *url.URL) (interfaces.BlobBackend, error) {
	dir := u.Path
	if u.Host != "" {
		// Tolerate file://relative/path by joining host and path.
		dir = u.Host + u.Path
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: file URI has no path", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(dir, f.log)
}

func (f *BackendFactory) createS3Backend(u *url.URL) (interfaces.BlobBackend, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 URI has no bucket", interfaces.ErrInvalidLocationURI)
	}

	params := u.Query()
	region := params.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	return NewS3Backend(bucket, prefix, region, params.Get("endpoint"), accessKey, secretKey, f.log)
}

func (f *BackendFactory) createIPFSBackend(u *url.URL) (interfaces.BlobBackend, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs URI has no host", interfaces.ErrInvalidLocationURI)
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSBackend(host, port, f.log)
}

func (f *BackendFactory) createVaultBackend(u *url.URL) (interfaces.BlobBackend, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: vault URI has no host", interfaces.ErrInvalidLocationURI)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI path must be /<mount>/<data-path>", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if u.Query().Get("insecure") == "true" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultBackend(address, parts[0], parts[1], u.Query().Get("token"), f.log)
}
