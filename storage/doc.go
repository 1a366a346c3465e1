// Package storage provides content-addressed offload backends for encrypted
// dataset copies.
//
// The ingestion pipeline re-encrypts every dataset under a volatile key
// before anything is stored; backends only ever see AEAD ciphertext. Keys
// never leave process memory — after a restart the offloaded blobs are
// undecryptable, which preserves the service's no-key-persistence property.
//
// Backends are selected by URI:
//
//   - file:///var/lib/tee/blobs
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - vault://vault.example.com:8200/secret/tee-blobs
//
// Content is addressed by the SHA-256 hash of the stored ciphertext.
package storage
