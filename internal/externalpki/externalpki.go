// Package externalpki implements the host-delegated signing path used when
// a profile's private key lives outside the process (a hardware token, an
// OS keystore, a remote signer): the TLS handshake's sign operation blocks
// on a round trip to the host instead of touching key material directly.
package externalpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// ErrSignError is returned when the host reports a signing failure.
var ErrSignError = errors.New("externalpki: sign request failed")

// ErrCertError is returned when the host-supplied certificate cannot be
// parsed or is otherwise unusable.
var ErrCertError = errors.New("externalpki: certificate error")

// SignRequest is what gets marshalled to the host for every signature the
// TLS handshake needs.
type SignRequest struct {
	// ToBeSigned is the data to sign, exactly as crypto.Signer.Sign receives it.
	ToBeSigned []byte

	// Algorithm names the signing algorithm, e.g. "RSA_PKCS1_SHA256" or
	// "ECDSA_SHA256", so a host with multiple key types knows which to use.
	Algorithm string

	// Hash is the hash algorithm used to produce ToBeSigned, mirroring
	// crypto.SignerOpts.HashFunc().
	Hash crypto.Hash

	// PSSSaltLength is only meaningful for RSA-PSS signatures.
	PSSSaltLength int
}

// SignResponse is the host's answer to a SignRequest.
type SignResponse struct {
	Signature []byte
	Error     bool
	ErrorText string
}

// HostSigner is the capability a host installs to answer sign requests. The
// call blocks the handshake goroutine until it returns.
type HostSigner func(req SignRequest) SignResponse

// Signer implements crypto.Signer by delegating every Sign call to a host
// callback, so the TLS stack can use it as the certificate's private key
// without ever holding key material in process.
type Signer struct {
	public crypto.PublicKey
	cert   *x509.Certificate
	host   HostSigner
}

// NewSigner builds a Signer from the host-supplied leaf certificate and the
// callback that performs the actual signing.
func NewSigner(certDER []byte, host HostSigner) (*Signer, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCertError, err)
	}
	return &Signer{public: cert.PublicKey, cert: cert, host: host}, nil
}

// Public implements crypto.Signer.
func (s *Signer) Public() crypto.PublicKey { return s.public }

// Certificate returns the parsed leaf certificate backing this signer.
func (s *Signer) Certificate() *x509.Certificate { return s.cert }

// Sign implements crypto.Signer by round-tripping the digest to the host.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	req := SignRequest{
		ToBeSigned: digest,
		Algorithm:  algorithmName(s.public, opts),
		Hash:       opts.HashFunc(),
	}
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		req.PSSSaltLength = pss.SaltLength
	}

	resp := s.host(req)
	if resp.Error {
		if resp.ErrorText != "" {
			return nil, fmt.Errorf("%w: %s", ErrSignError, resp.ErrorText)
		}
		return nil, ErrSignError
	}
	return resp.Signature, nil
}

func algorithmName(pub crypto.PublicKey, opts crypto.SignerOpts) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "ECDSA_" + opts.HashFunc().String()
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return "RSA_PSS_" + opts.HashFunc().String()
		}
		return "RSA_PKCS1_" + opts.HashFunc().String()
	default:
		return "UNKNOWN_" + opts.HashFunc().String()
	}
}
