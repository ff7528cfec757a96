package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyBytes is the minimum accepted size of the master secret.
const MinMasterKeyBytes = 32

// Purpose labels for derived keys. Changing a label invalidates every digest
// produced with the old key.
const (
	PurposeAccessSigning = "signalhub/access-signing/v1"
	PurposeRefreshHash   = "signalhub/refresh-hash/v1"
	PurposeFingerprint   = "signalhub/device-fingerprint/v1"
	PurposeDeviceCode    = "signalhub/device-code/v1"
)

// Keys groups every key derived from the master secret.
type Keys struct {
	AccessSigning []byte
	RefreshHash   []byte
	Fingerprint   []byte
	DeviceCode    []byte
}

// DeriveKeys expands the master secret into per-purpose keys.
// The master secret is measured in bytes, not runes, since it is used raw.
func DeriveKeys(master string) (Keys, error) {
	raw := []byte(strings.TrimSpace(master))
	if len(raw) == 0 {
		return Keys{}, ErrHMACKeyMissing
	}
	if len(raw) < MinMasterKeyBytes {
		return Keys{}, ErrHMACKeyTooShort
	}

	var (
		k   Keys
		err error
	)
	if k.AccessSigning, err = derive(raw, PurposeAccessSigning); err != nil {
		return Keys{}, err
	}
	if k.RefreshHash, err = derive(raw, PurposeRefreshHash); err != nil {
		return Keys{}, err
	}
	if k.Fingerprint, err = derive(raw, PurposeFingerprint); err != nil {
		return Keys{}, err
	}
	if k.DeviceCode, err = derive(raw, PurposeDeviceCode); err != nil {
		return Keys{}, err
	}
	return k, nil
}

func derive(master []byte, purpose string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hasher computes stable HMAC-SHA256 hex digests with a fixed key.
// The zero value is not usable; construct with NewHasher.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher for key. Keys shorter than 32 bytes are rejected.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < 32 {
		return nil, ErrHMACKeyTooShort
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Hasher{key: cp}, nil
}

// Hash returns the 64-char hex HMAC-SHA256 digest of s.
func (h *Hasher) Hash(s string) string {
	return HashHMACSHA256Hex(s, h.key)
}

// HashParts digests several values joined by a unit separator, so that
// ("ab","c") and ("a","bc") never collide.
func (h *Hasher) HashParts(parts ...string) string {
	return h.Hash(strings.Join(parts, "\x1f"))
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}
