// Package identity owns the environment's long-lived RSA keypair and produces
// signed attestation documents binding the public key to the measured code.
//
// # Keypair
//
// The keypair is loaded from PEM files baked into the deployed image at
// well-known paths under the configured key directory. Only when those files
// are absent is an ephemeral keypair generated, with a prominent warning; in
// production builds the fallback is a fatal misconfiguration. The private key
// never leaves process memory and is never serialized.
//
// # Code Measurement
//
// The measurement is a SHA-256 digest of the running code. A precomputed
// digest shipped with the image (CODE_HASH.txt) takes precedence over hashing
// the running executable at startup. Either way the value is computed once
// and cached for the process lifetime.
//
// # Attestation Documents
//
// An attestation document is a canonical (sorted-key) JSON structure carrying
// the environment type, code measurement, instance identity, public key,
// capability flags, and a 24-hour validity window. It is signed with
// RSA-PSS/SHA-256 over the exact canonical bytes returned to the client.
// Instance metadata is fetched best-effort from the hosting platform with a
// short timeout; absence degrades to null fields and never blocks issuance.
package identity
