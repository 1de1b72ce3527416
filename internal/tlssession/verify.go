package tlssession

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
)

// ErrFingerprintMismatch is returned when --peer-fingerprint is set and the
// server's leaf certificate matches none of the pinned fingerprints.
var ErrFingerprintMismatch = fmt.Errorf("certificate fingerprint mismatch")

// verifyPeerFingerprint checks cert's SHA-256 fingerprint against the pinned
// list, accepting either "AA:BB:..." or bare-hex forms.
func verifyPeerFingerprint(cert *x509.Certificate, pinned []string) error {
	sum := sha256.Sum256(cert.Raw)
	got := hex.EncodeToString(sum[:])
	for _, want := range pinned {
		normalized := strings.ToLower(strings.ReplaceAll(want, ":", ""))
		if normalized == got {
			return nil
		}
	}
	return fmt.Errorf("%w: got %s, want one of %v", ErrFingerprintMismatch, got, pinned)
}

// tlsVersionMinOrDefault maps --tls-version-min's string argument to a
// crypto/tls version constant, falling back to TLS 1.2 when unset or
// unrecognized.
func tlsVersionMinOrDefault(v string) uint16 {
	switch v {
	case "1.3":
		return tls.VersionTLS13
	case "1.2", "":
		return tls.VersionTLS12
	case "1.1":
		return tls.VersionTLS11
	case "1.0":
		return tls.VersionTLS10
	default:
		return tls.VersionTLS12
	}
}
