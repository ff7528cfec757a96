// Package token provides keyed hashing primitives for signalhub.
//
// It is the single source of truth for how secrets that must be looked up by
// value (refresh tokens, device verification codes, device fingerprints) are
// digested before they reach storage.
//
// All keys are derived from one master secret with HKDF-SHA256 and a
// per-purpose label, so rotating the master secret rotates every derived key.
package token
