// Package security provides the cryptographic identity of a registry host:
//
//   - Platform identity keypair (Ed25519), persisted as PEM
//   - UID countersignatures (HMAC-SHA-512 under an HKDF-derived key)
//   - Self-signatures for signature tokens
//   - Content keys for the key cache, derived from signatures
//
// The Platform acts as the local signing authority. A remote master server
// can stand in for it by implementing uid.Authority; the registry does not
// care which one answers, only that it answers within the signing timeout.
//
// Countersignatures are versioned strings:
//
//	v1.<uid>.<bits>.<hmac_sha512_hex>
//
// The version prefix leaves room for a post-quantum signature scheme.
package security
