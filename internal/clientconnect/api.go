package clientconnect

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/driftline/vpncore/internal/creds"
	"github.com/driftline/vpncore/internal/externalpki"
	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/statsevents"
)

// ErrCertCheckFailed is returned by StartCertCheck/StartCertCheckExternalPKI
// when the supplied material does not parse or does not match the active
// profile's CA.
var ErrCertCheckFailed = errors.New("clientconnect: certificate check failed")

// ProvideCreds installs the credentials the next connection attempt (or a
// Reconnect of the current one) will present during auth.
func (s *Session) ProvideCreds(c creds.Credentials) error {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	return nil
}

// StatsValue returns the current value of one stat-bank slot.
func (s *Session) StatsValue(i statsevents.Index) int64 { return s.stats.Value(i) }

// StatsBundle returns a point-in-time snapshot of every stat-bank slot.
func (s *Session) StatsBundle() statsevents.Snapshot { return s.stats.Bundle() }

// ConnectionInfo returns the tunnel info negotiated by the current (or most
// recent) connection attempt.
func (s *Session) ConnectionInfo() model.TunnelInfo {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return model.TunnelInfo{}
	}
	return t.Session().TunnelInfo()
}

// SessionToken returns the server-issued token currently held, or "" if the
// server never issued one.
func (s *Session) SessionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.SessionToken()
}

// StartCertCheck validates a client certificate and key against ca before
// they are handed to the TLS layer, so a bad profile fails fast instead of
// during the handshake.
func (s *Session) StartCertCheck(cert, key, ca []byte) error {
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCertCheckFailed, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCertCheckFailed, err)
	}
	return verifyAgainstCA(leaf, ca)
}

// StartCertCheckExternalPKI validates a host-supplied certificate, whose
// private key never enters the process, against ca.
func (s *Session) StartCertCheckExternalPKI(certDER []byte, ca []byte) error {
	signer, err := externalpki.NewSigner(certDER, s.host.ExternalPKISign)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCertCheckFailed, err)
	}
	return verifyAgainstCA(signer.Certificate(), ca)
}

func verifyAgainstCA(leaf *x509.Certificate, ca []byte) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return fmt.Errorf("%w: no usable CA certificates", ErrCertCheckFailed)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return fmt.Errorf("%w: %s", ErrCertCheckFailed, err)
	}
	return nil
}
