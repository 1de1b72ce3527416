package config

import (
	"github.com/driftline/vpncore/internal/externalpki"
	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/statsevents"
)

// Remote is one endpoint a [Config] is willing to dial, resolved from the
// remote/proto directives into the form the dialer and the handshake tracer
// actually consume.
type Remote struct {
	// IPAddr is the remote's host, as written in the config file (may be a
	// hostname; resolution happens at dial time).
	IPAddr string

	// Endpoint is "host:port", ready to pass to net.Dial/DialContext.
	Endpoint string

	// Protocol is "tcp" or "udp", normalized from the proto directive.
	Protocol string
}

// Config wraps a parsed [OpenVPNOptions] together with the collaborators
// (logger, handshake tracer) the rest of the tunnel core needs but that do
// not belong in the .ovpn file itself. The zero value is invalid; use
// [NewConfig].
type Config struct {
	logger          model.Logger
	tracer          model.HandshakeTracer
	opts            *OpenVPNOptions
	err             error
	externalPKISign externalpki.HostSigner
	errorBank       *statsevents.ErrorBank
}

// Option configures a [Config] constructed with [NewConfig].
type Option func(*Config)

// NewConfig builds a Config from the given options. With no options it
// returns a Config with a no-op logger, a no-op tracer, and empty
// OpenVPNOptions, suitable for tests that don't care about wire behavior.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		logger: model.NewNoopLogger(),
		tracer: model.DummyTracer{},
		opts:   &OpenVPNOptions{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger sets the logger used by every component built from this Config.
func WithLogger(logger model.Logger) Option {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithHandshakeTracer sets the tracer used to observe the control channel.
func WithHandshakeTracer(tracer model.HandshakeTracer) Option {
	return func(c *Config) {
		c.tracer = tracer
	}
}

// WithOpenVPNOptions installs an already-parsed [OpenVPNOptions] directly,
// bypassing the profile parser. Used by tests and by callers that build
// their options programmatically rather than from a profile file.
func WithOpenVPNOptions(opts *OpenVPNOptions) Option {
	return func(c *Config) {
		c.opts = opts
	}
}

// WithExternalPKISign installs the host callback used to sign the TLS
// handshake when the profile carries management-external-key: the client
// certificate's private key never enters the process.
func WithExternalPKISign(sign externalpki.HostSigner) Option {
	return func(c *Config) {
		c.externalPKISign = sign
	}
}

// WithErrorBank installs the error-kind counter bank that the engine's
// internal failure paths (replay rejects, decrypt/HMAC failures, packet-ID
// exhaustion, renegotiation) increment as they happen.
func WithErrorBank(bank *statsevents.ErrorBank) Option {
	return func(c *Config) {
		c.errorBank = bank
	}
}

// WithConfigBytes parses an in-memory .ovpn file and sets the resulting
// OpenVPNOptions. A parse error is recorded and surfaced by [Config.Err]
// rather than panicking, so that constructing a Config remains infallible.
func WithConfigBytes(b []byte) Option {
	return func(c *Config) {
		opts, err := ReadConfigFromBytes(b)
		if err != nil {
			c.err = err
			return
		}
		c.opts = opts
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// Tracer returns the configured handshake tracer.
func (c *Config) Tracer() model.HandshakeTracer {
	return c.tracer
}

// OpenVPNOptions returns the parsed configuration file options.
func (c *Config) OpenVPNOptions() *OpenVPNOptions {
	return c.opts
}

// ExternalPKISign returns the host callback installed by
// [WithExternalPKISign], or nil if the profile uses an in-process private
// key.
func (c *Config) ExternalPKISign() externalpki.HostSigner {
	return c.externalPKISign
}

// ErrorBank returns the counter bank installed by [WithErrorBank], or nil
// if the caller isn't tracking error-kind counts for this connection.
func (c *Config) ErrorBank() *statsevents.ErrorBank {
	return c.errorBank
}

// Err returns the error, if any, raised while applying this Config's
// options (currently only possible via [WithConfigBytes]).
func (c *Config) Err() error {
	return c.err
}

// Remote derives the single configured remote endpoint from the
// OpenVPNOptions' remote/port/proto directives.
func (c *Config) Remote() *Remote {
	o := c.opts
	return &Remote{
		IPAddr:   o.Remote,
		Endpoint: o.Remote + ":" + o.Port,
		Protocol: protocolFamily(o.Proto),
	}
}

// protocolFamily collapses the six proto variants (tcp/tcp4/tcp6/udp/udp4/udp6)
// down to the "tcp"/"udp" family a dialer's network argument needs.
func protocolFamily(p Proto) string {
	switch p {
	case ProtoTCP, ProtoTCP4, ProtoTCP6:
		return "tcp"
	default:
		return "udp"
	}
}
