package device

import (
	"strings"

	"github.com/dagz55/d-gateway-sub002/cmd/security/token"
)

// Fingerprinter derives stable device fingerprints.
type Fingerprinter struct {
	hasher *token.Hasher
}

// NewFingerprinter returns a Fingerprinter keyed by h.
func NewFingerprinter(h *token.Hasher) *Fingerprinter {
	return &Fingerprinter{hasher: h}
}

// Fingerprint digests the stable signals of rc. IP and location are excluded.
func (f *Fingerprinter) Fingerprint(rc RequestContext) string {
	return f.hasher.HashParts(
		normalizeSignal(rc.UserAgent),
		normalizeLanguage(rc.AcceptLanguage),
		normalizeSignal(rc.AcceptEncoding),
		normalizeSignal(rc.ClientHintUA),
		normalizeSignal(rc.ClientPlatform),
		normalizeSignal(rc.ClientMobile),
	)
}

func normalizeSignal(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// normalizeLanguage keeps only the language tags, dropping q-weights that
// some clients reorder between requests.
func normalizeLanguage(s string) string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		tag, _, _ := strings.Cut(p, ";")
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return strings.Join(out, ",")
}
