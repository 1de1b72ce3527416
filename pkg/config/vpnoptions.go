package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/driftline/vpncore/internal/runtimex"
)

type (
	// Compression describes a Compression type (e.g., stub).
	Compression string
)

const (
	// CompressionStub adds the (empty) compression stub to the packets.
	CompressionStub = Compression("stub")

	// CompressionEmpty is the empty compression.
	CompressionEmpty = Compression("empty")

	// CompressionLZONo is lzo-no (another type of no-compression, older).
	CompressionLZONo = Compression("lzo-no")
)

// Proto is the main vpn mode (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// IsTCP reports whether p is one of the stream-oriented proto variants.
func (p Proto) IsTCP() bool {
	switch p {
	case ProtoTCP, ProtoTCP4, ProtoTCP6:
		return true
	default:
		return false
	}
}

const (
	// ProtoTCP is used for vpn in TCP mode (dual-stack).
	ProtoTCP = Proto("tcp")

	// ProtoTCP4 is used for vpn in TCP mode, forcing IPv4.
	ProtoTCP4 = Proto("tcp4")

	// ProtoTCP6 is used for vpn in TCP mode, forcing IPv6.
	ProtoTCP6 = Proto("tcp6")

	// ProtoUDP is used for vpn in UDP mode (dual-stack).
	ProtoUDP = Proto("udp")

	// ProtoUDP4 is used for vpn in UDP mode, forcing IPv4.
	ProtoUDP4 = Proto("udp4")

	// ProtoUDP6 is used for vpn in UDP mode, forcing IPv6.
	ProtoUDP6 = Proto("udp6")
)

// ErrBadConfig is the generic error returned for invalid config files
var ErrBadConfig = errors.New("openvpn: bad config")

// VerifyX509Type selects how --verify-x509-name compares the configured
// name against the server certificate.
type VerifyX509Type int

const (
	// VerifyX509None disables --verify-x509-name matching.
	VerifyX509None VerifyX509Type = iota

	// VerifyX509SubjectDN matches the full Subject Distinguished Name.
	VerifyX509SubjectDN

	// VerifyX509SubjectRDN matches the Subject's Common Name exactly.
	VerifyX509SubjectRDN

	// VerifyX509SubjectRDNPrefix matches a prefix of the Subject's Common Name.
	VerifyX509SubjectRDNPrefix
)

// KeyUsage mirrors x509.KeyUsage's bitmask so --remote-cert-ku's arguments
// can be compared against a parsed certificate without importing crypto/x509
// into the option parser.
type KeyUsage int

// KeyUsageRequired is OpenVPN's 0xFFFF sentinel for "the Key Usage extension
// must be present, regardless of which bits are set".
const KeyUsageRequired = KeyUsage(0xFFFF)

// SupportedCiphers defines the supported ciphers.
var SupportedCiphers = []string{
	"AES-128-CBC",
	"AES-192-CBC",
	"AES-256-CBC",
	"AES-128-GCM",
	"AES-256-GCM",
}

// SupportedAuth defines the supported authentication methods.
var SupportedAuth = []string{
	"SHA1",
	"SHA256",
	"SHA512",
}

// OpenVPNOptions make all the relevant openvpn configuration options accessible to the
// different modules that need it.
type OpenVPNOptions struct {
	// These options have the same name of OpenVPN options referenced in the official documentation:
	Remote     string
	Port       string
	Proto      Proto

	// Remotes accumulates every "remote" directive seen, in file order, for
	// hosts that want to try more than one server/port/proto combination.
	Remotes []RemoteEntry

	// RemoteRandom indicates that remote-random was present: the initial
	// remote to try should be picked at random rather than taken first.
	RemoteRandom bool
	Username   string
	Password   string

	// authUserPassSourceUsername/authUserPassSourcePassword cache the
	// credentials last used for a key-method-2 message when auth-nocache is
	// not set, so AuthUserPassSetup can re-present them if Username/Password
	// are later empty. With auth-nocache set, PurgeAuthUserPass clears them.
	authUserPassSourceUsername string
	authUserPassSourcePassword string

	CA         []byte
	Cert       []byte
	Key        []byte
	TLSAuth    []byte
	TLSCrypt   []byte
	TLSCryptV2 []byte
	Cipher     string
	Auth       string
	TLSMaxVer  string

	// Below are options that do not conform strictly to the OpenVPN configuration format, but still can
	// be understood by us in a configuration file:

	Compress   Compression
	ProxyOBFS4 string

	// KeyDirection is the tls-auth key-direction. When unset, OpenVPN operates
	// in bidirectional mode.
	KeyDirection *int

	// AuthUserPass indicates that auth-user-pass was present in the config.
	AuthUserPass bool

	// AuthNoCache indicates that auth-nocache was present in the config:
	// credentials must be purged from memory after use instead of being
	// cached for the life of the process.
	AuthNoCache bool

	// StaticChallenge indicates that static-challenge was present: the
	// server expects a concatenated password+response during auth.
	StaticChallenge bool

	// ExternalPKI indicates that management-external-key was present: the
	// private key lives outside the process and every sign operation must
	// round-trip through the host.
	ExternalPKI bool

	// Keepalive and renegotiation timers, in seconds (0 means "use the
	// session default").
	Ping               int
	PingRestart        int
	PingExit           int
	RenegotiateSeconds int
	RenegotiateBytes   int
	RenegotiatePackets int
	TransitionWindow   int
	HandshakeWindow    int

	// Fragment is the max-size argument to the fragment directive; it is
	// only meaningful over UDP.
	Fragment int

	// VerifyX509Name and VerifyX509Type implement --verify-x509-name: match
	// the server certificate's name against an expected value, using the
	// given comparison mode.
	VerifyX509Name string
	VerifyX509Type VerifyX509Type

	// RemoteCertKU and RemoteCertEKU implement --remote-cert-ku and
	// --remote-cert-eku: the server certificate must carry one of the
	// listed Key Usage bits, and/or the named Extended Key Usage.
	RemoteCertKU  []KeyUsage
	RemoteCertEKU string

	// PeerFingerprint implements --peer-fingerprint: pin the server
	// certificate to one of the listed hex SHA-256 fingerprints, bypassing
	// CA-chain verification entirely when set.
	PeerFingerprint []string

	// TLSVersionMin implements --tls-version-min: the lowest TLS version
	// the client will negotiate, e.g. "1.2".
	TLSVersionMin string

	// ConnectTimeout is connect-timeout: how long a single remote gets to
	// complete the transport connect + handshake before moving on.
	ConnectTimeout int

	// ConnectRetryMax is connect-retry-max: the ceiling the outer loop's
	// back-off grows to between attempts, in seconds.
	ConnectRetryMax int

	// ConnTimeout is the total across-all-attempts timeout (0 = infinite).
	ConnTimeout int

	// ignoreUnknownOptions lists the directive names that ignore-unknown-option
	// allows getOptionsFromLines to skip instead of failing the parse.
	ignoreUnknownOptions map[string]bool
}

// ReadConfigFile expects a string with a path to a valid config file,
// and returns a pointer to a Options struct after parsing the file, and an
// error if the operation could not be completed.
func ReadConfigFile(filePath string) (*OpenVPNOptions, error) {
	lines, err := getLinesFromFile(filePath)
	dir, _ := filepath.Split(filePath)
	if err != nil {
		return nil, err
	}
	return getOptionsFromLines(lines, dir)
}

// ReadConfigFromBytes parses an in-memory .ovpn configuration. File-path
// arguments to ca/cert/key/tls-auth/tls-crypt/tls-crypt-v2/auth-user-pass are
// rejected: only the inline <tag>...</tag> form is accepted, since there is
// no directory to resolve a relative path against.
func ReadConfigFromBytes(b []byte) (*OpenVPNOptions, error) {
	lines := strings.Split(string(b), "\n")
	return getOptionsFromLines(lines, "")
}

// ReadConfigFromString is ReadConfigFromBytes for a string argument.
func ReadConfigFromString(s string) (*OpenVPNOptions, error) {
	return ReadConfigFromBytes([]byte(s))
}

// HasAuthInfo returns true if:
// - we have inline byte arrays for cert, key and ca; or
// - we have username + password + ca info.
// When auth-user-pass is set, username and password are required even if
// cert and key are present.
// TODO(ainghazal): add sanity checks for valid/existing credentials.
func (o *OpenVPNOptions) HasAuthInfo() bool {
	if len(o.CA) == 0 {
		return false
	}
	if o.AuthUserPass {
		return o.Username != "" && o.Password != ""
	}
	if len(o.Cert) != 0 && len(o.Key) != 0 {
		return true
	}
	if o.Username != "" && o.Password != "" {
		return true
	}
	return false
}

// clientOptions is the options line we're passing to the OpenVPN server during the handshake.
const clientOptions = "V4,dev-type tun,link-mtu 1601,tun-mtu 1500,proto %s,cipher %s,auth %s,keysize %s,key-method 2,tls-client"

// ServerOptionsString produces a comma-separated representation of the options, in the same
// order and format that the OpenVPN server expects from us.
func (o *OpenVPNOptions) ServerOptionsString() string {
	if o.Cipher == "" {
		return ""
	}
	// TODO(ainghazal): this line of code crashes if the ciphers are not well formed
	keysize := strings.Split(o.Cipher, "-")[1]
	proto := "UDPv4"
	switch o.Proto {
	case ProtoTCP, ProtoTCP4:
		proto = "TCPv4"
	case ProtoTCP6:
		proto = "TCPv6"
	case ProtoUDP, ProtoUDP4:
		proto = "UDPv4"
	case ProtoUDP6:
		proto = "UDPv6"
	default:
		proto = strings.ToUpper(o.Proto.String())
	}
	s := fmt.Sprintf(clientOptions, proto, o.Cipher, o.Auth, keysize)
	if o.Compress == CompressionStub {
		s = s + ",compress stub"
	} else if o.Compress == "lzo-no" {
		s = s + ",lzo-comp no"
	} else if o.Compress == CompressionEmpty {
		s = s + ",compress"
	}
	return s
}

func parseProto(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "proto needs one arg")
	}
	m := strings.ToLower(p[0])
	switch m {
	case "udp":
		o.Proto = ProtoUDP
	case "udp4":
		o.Proto = ProtoUDP4
	case "udp6":
		o.Proto = ProtoUDP6
	case "tcp", "tcp-client":
		o.Proto = ProtoTCP
	case "tcp4", "tcp4-client":
		o.Proto = ProtoTCP4
	case "tcp6", "tcp6-client":
		o.Proto = ProtoTCP6
	case "tcp-server", "tcp4-server", "tcp6-server":
		return o, fmt.Errorf("%w: unsupported proto (server mode): %s", ErrBadConfig, m)
	default:
		return o, fmt.Errorf("%w: bad proto: %s", ErrBadConfig, m)

	}
	return o, nil
}

// RemoteEntry is one "remote" directive's worth of connection candidate,
// before any DNS resolution or address-family expansion has happened.
type RemoteEntry struct {
	Host  string
	Port  string
	Proto Proto
}

func parseRemote(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) < 1 || len(p) > 3 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "remote needs between one and three args")
	}
	entry := RemoteEntry{Host: p[0], Port: "1194", Proto: o.Proto}
	if len(p) >= 2 {
		entry.Port = p[1]
	}
	if len(p) == 3 {
		entry.Proto = Proto(p[2])
	}
	o.Remotes = append(o.Remotes, entry)
	o.Remote, o.Port = entry.Host, entry.Port
	return o, nil
}

func parseRemoteRandom(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "remote-random takes no args")
	}
	o.RemoteRandom = true
	return o, nil
}

func parseVerifyX509Name(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) < 1 || len(p) > 2 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "verify-x509-name needs a name and an optional type")
	}
	o.VerifyX509Name = p[0]
	o.VerifyX509Type = VerifyX509SubjectDN
	if len(p) == 2 {
		switch p[1] {
		case "name":
			o.VerifyX509Type = VerifyX509SubjectRDN
		case "name-prefix":
			o.VerifyX509Type = VerifyX509SubjectRDNPrefix
		case "subject":
			o.VerifyX509Type = VerifyX509SubjectDN
		default:
			return o, fmt.Errorf("%w: unknown verify-x509-name type: %s", ErrBadConfig, p[1])
		}
	}
	return o, nil
}

var remoteCertKUNames = map[string]KeyUsage{
	"digitalSignature": KeyUsage(1 << 0),
	"nonRepudiation":   KeyUsage(1 << 1),
	"keyEncipherment":  KeyUsage(1 << 2),
	"dataEncipherment": KeyUsage(1 << 3),
	"keyAgreement":     KeyUsage(1 << 4),
	"keyCertSign":      KeyUsage(1 << 5),
	"cRLSign":          KeyUsage(1 << 6),
}

func parseRemoteCertKU(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) == 0 {
		o.RemoteCertKU = []KeyUsage{KeyUsageRequired}
		return o, nil
	}
	kus := make([]KeyUsage, 0, len(p))
	for _, name := range p {
		ku, ok := remoteCertKUNames[name]
		if !ok {
			return o, fmt.Errorf("%w: unknown remote-cert-ku value: %s", ErrBadConfig, name)
		}
		kus = append(kus, ku)
	}
	o.RemoteCertKU = kus
	return o, nil
}

func parseRemoteCertEKU(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "remote-cert-eku expects one arg")
	}
	o.RemoteCertEKU = p[0]
	return o, nil
}

func parsePeerFingerprint(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) == 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "peer-fingerprint needs at least one fingerprint")
	}
	o.PeerFingerprint = append(o.PeerFingerprint, p...)
	return o, nil
}

func parseTLSVersionMin(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) < 1 || len(p) > 2 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-version-min expects one or two args")
	}
	o.TLSVersionMin = p[0]
	return o, nil
}

func parseConnectTimeout(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "connect-timeout expects one arg")
	}
	n, err := strconv.Atoi(p[0])
	if err != nil {
		return o, fmt.Errorf("%w: connect-timeout: %s", ErrBadConfig, err)
	}
	o.ConnectTimeout = n
	return o, nil
}

func parseConnectRetryMax(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "connect-retry-max expects one arg")
	}
	n, err := strconv.Atoi(p[0])
	if err != nil {
		return o, fmt.Errorf("%w: connect-retry-max: %s", ErrBadConfig, err)
	}
	o.ConnectRetryMax = n
	return o, nil
}

func parseStaticChallenge(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) == 0 || len(p) > 2 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "static-challenge expects 1-2 args")
	}
	o.StaticChallenge = true
	return o, nil
}

func parseManagementExternalKey(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	o.ExternalPKI = true
	return o, nil
}

func parseRemoteCertTLS(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "remote-cert-tls expects one arg")
	}
	switch p[0] {
	case "server":
		o.RemoteCertKU = []KeyUsage{KeyUsageRequired}
		o.RemoteCertEKU = "serverAuth"
	case "client":
		o.RemoteCertKU = []KeyUsage{KeyUsageRequired}
		o.RemoteCertEKU = "clientAuth"
	default:
		return o, fmt.Errorf("%w: unknown remote-cert-tls value: %s", ErrBadConfig, p[0])
	}
	return o, nil
}

func parseCipher(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "cipher expects one arg")
	}
	cipher := p[0]
	if !hasElement(cipher, SupportedCiphers) {
		return o, fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, cipher)
	}
	o.Cipher = cipher
	return o, nil
}

func parseAuth(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "invalid auth entry")
	}
	auth := p[0]
	if !hasElement(auth, SupportedAuth) {
		return o, fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, auth)
	}
	o.Auth = auth
	return o, nil
}

func setKeyDirection(o *OpenVPNOptions, dir int) error {
	if dir != 0 && dir != 1 {
		return fmt.Errorf("%w: key-direction must be 0 or 1", ErrBadConfig)
	}
	if o.KeyDirection != nil && *o.KeyDirection != dir {
		return fmt.Errorf("%w: conflicting key-direction values", ErrBadConfig)
	}
	if o.KeyDirection == nil {
		o.KeyDirection = new(int)
	}
	*o.KeyDirection = dir
	return nil
}

func parseKeyDirection(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "key-direction expects one arg")
	}
	dir, err := strconv.Atoi(p[0])
	if err != nil {
		return o, fmt.Errorf("%w: key-direction must be 0 or 1", ErrBadConfig)
	}
	if err := setKeyDirection(o, dir); err != nil {
		return o, err
	}
	return o, nil
}

func parseCA(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "ca expects one arg")
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "ca file paths are not supported; embed <ca>...</ca> in the .ovpn file")
}

func parseCert(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "cert expects one arg")
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "cert file paths are not supported; embed <cert>...</cert> in the .ovpn file")
}

func parseKey(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "key expects one arg")
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "key file paths are not supported; embed <key>...</key> in the .ovpn file")
}

func parseTLSAuth(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) == 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-auth expects at least one arg")
	}
	if len(p) == 1 {
		if strings.EqualFold(p[0], "inline") {
			return o, nil
		}
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-auth file paths are not supported; embed <tls-auth>...</tls-auth> in the .ovpn file")
	}
	if len(p) == 2 {
		if !strings.EqualFold(p[0], "inline") {
			return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-auth file paths are not supported; use tls-auth inline <direction>")
		}
		dir, err := strconv.Atoi(p[1])
		if err != nil {
			return o, fmt.Errorf("%w: tls-auth direction must be 0 or 1", ErrBadConfig)
		}
		if err := setKeyDirection(o, dir); err != nil {
			return o, err
		}
		return o, nil
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-auth expects at most two args")
}

func parseTLSCrypt(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-crypt expects one arg")
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-crypt file paths are not supported; embed <tls-crypt>...</tls-crypt> in the .ovpn file")
}

func parseTLSCryptV2(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-crypt-v2 expects one arg")
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "tls-crypt-v2 file paths are not supported; embed <tls-crypt-v2>...</tls-crypt-v2> in the .ovpn file")
}

// parseAuthUser parses the auth-user-pass directive.
//
// We explicitly reject external credential files: credentials must be provided
// via the <auth-user-pass>...</auth-user-pass> inline block or via the caller
// configuration (e.g., Clash username/password).
func parseAuthUser(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	o.AuthUserPass = true
	if len(p) == 0 {
		return o, nil
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "auth-user-pass file paths are not supported; embed <auth-user-pass>...</auth-user-pass> in the .ovpn file or configure username/password")
}

func parseCompress(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) > 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
	}
	if len(p) == 0 {
		o.Compress = CompressionEmpty
		return o, nil
	}
	if p[0] == "stub" {
		o.Compress = CompressionStub
		return o, nil
	}
	return o, fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
}

func parseCompLZO(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if p[0] != "no" {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "comp-lzo: compression not supported")
	}
	o.Compress = "lzo-no"
	return o, nil
}

// parseTLSVerMax sets the maximum TLS version. This is currently ignored
// because we're using uTLS to parrot the Client Hello.
func parseTLSVerMax(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) == 0 {
		o.TLSMaxVer = "1.3"
		return o, nil
	}
	if p[0] == "1.2" {
		o.TLSMaxVer = "1.2"
	}
	return o, nil
}

func parseIntArg(p []string, directive string) (int, error) {
	if len(p) != 1 {
		return 0, fmt.Errorf("%w: %s expects one arg", ErrBadConfig, directive)
	}
	n, err := strconv.Atoi(p[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s expects an integer arg", ErrBadConfig, directive)
	}
	return n, nil
}

func parsePing(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "ping")
	if err != nil {
		return o, err
	}
	o.Ping = n
	return o, nil
}

func parsePingRestart(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "ping-restart")
	if err != nil {
		return o, err
	}
	o.PingRestart = n
	return o, nil
}

func parsePingExit(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "ping-exit")
	if err != nil {
		return o, err
	}
	o.PingExit = n
	return o, nil
}

func parseRenegSec(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "reneg-sec")
	if err != nil {
		return o, err
	}
	o.RenegotiateSeconds = n
	return o, nil
}

func parseRenegBytes(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "reneg-bytes")
	if err != nil {
		return o, err
	}
	o.RenegotiateBytes = n
	return o, nil
}

func parseRenegPkts(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "reneg-pkts")
	if err != nil {
		return o, err
	}
	o.RenegotiatePackets = n
	return o, nil
}

func parseTransitionWindow(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "transition-window")
	if err != nil {
		return o, err
	}
	o.TransitionWindow = n
	return o, nil
}

func parseHandWindow(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	n, err := parseIntArg(p, "hand-window")
	if err != nil {
		return o, err
	}
	o.HandshakeWindow = n
	return o, nil
}

func parseFragment(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) == 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "fragment expects one arg")
	}
	n, err := strconv.Atoi(p[0])
	if err != nil {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "fragment expects an integer arg")
	}
	o.Fragment = n
	return o, nil
}

func parseAuthNoCache(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	o.AuthNoCache = true
	return o, nil
}

func parseIgnoreUnknownOption(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if o.ignoreUnknownOptions == nil {
		o.ignoreUnknownOptions = make(map[string]bool)
	}
	for _, name := range p {
		o.ignoreUnknownOptions[name] = true
	}
	return o, nil
}

func parseProxyOBFS4(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "proto-obfs4: need a properly configured proxy")
	}
	// TODO(ainghazal): can validate the obfs4://... scheme here
	o.ProxyOBFS4 = p[0]
	return o, nil
}

var pMap = map[string]interface{}{
	"proto":              parseProto,
	"remote":             parseRemote,
	"remote-random":      parseRemoteRandom,
	"verify-x509-name":   parseVerifyX509Name,
	"remote-cert-ku":     parseRemoteCertKU,
	"remote-cert-eku":    parseRemoteCertEKU,
	"remote-cert-tls":    parseRemoteCertTLS,
	"peer-fingerprint":        parsePeerFingerprint,
	"tls-version-min":         parseTLSVersionMin,
	"connect-timeout":         parseConnectTimeout,
	"connect-retry-max":       parseConnectRetryMax,
	"static-challenge":        parseStaticChallenge,
	"management-external-key": parseManagementExternalKey,
	"cipher":                  parseCipher,
	"auth":               parseAuth,
	"key-direction":      parseKeyDirection,
	"compress":           parseCompress,
	"comp-lzo":           parseCompLZO,
	"proxy-obfs4":        parseProxyOBFS4,
	"tls-version-max":    parseTLSVerMax, // this is currently ignored because of uTLS
	"ping":               parsePing,
	"ping-restart":       parsePingRestart,
	"ping-exit":          parsePingExit,
	"reneg-sec":          parseRenegSec,
	"reneg-bytes":        parseRenegBytes,
	"reneg-pkts":         parseRenegPkts,
	"transition-window":  parseTransitionWindow,
	"hand-window":        parseHandWindow,
	"fragment":           parseFragment,
	"auth-nocache":       parseAuthNoCache,
	"ignore-unknown-option": parseIgnoreUnknownOption,
}

// unsupportedFileDirectives lists OpenVPN directives that normally reference
// an external file on disk. We only accept credentials and crypto material
// inline, so these always fail regardless of their arguments.
var unsupportedFileDirectives = map[string]bool{
	"pkcs12":     true,
	"crl-verify": true,
	"dh":         true,
	"extra-certs": true,
	"secret":     true,
}

var pMapDir = map[string]interface{}{
	"ca":             parseCA,
	"cert":           parseCert,
	"key":            parseKey,
	"tls-auth":       parseTLSAuth,
	"tls-crypt":      parseTLSCrypt,
	"tls-crypt-v2":   parseTLSCryptV2,
	"auth-user-pass": parseAuthUser,
}

func parseOption(opt *OpenVPNOptions, dir, key string, p []string, lineno int) (*OpenVPNOptions, error) {
	if fn, ok := pMap[key]; ok {
		typed := fn.(func([]string, *OpenVPNOptions) (*OpenVPNOptions, error))
		if updatedOpt, e := typed(p, opt); e != nil {
			return updatedOpt, e
		}
		return opt, nil
	}
	if fn, ok := pMapDir[key]; ok {
		typed := fn.(func([]string, *OpenVPNOptions, string) (*OpenVPNOptions, error))
		if updatedOpt, e := typed(p, opt, dir); e != nil {
			return updatedOpt, e
		}
		return opt, nil
	}
	if unsupportedFileDirectives[key] {
		return opt, fmt.Errorf("%w: %s references an external file, which is not supported", ErrBadConfig, key)
	}
	if opt.ignoreUnknownOptions[key] {
		log.Printf("warn: ignoring unknown key %q in line %d\n", key, lineno)
		return opt, nil
	}
	return opt, fmt.Errorf("%w: unsupported key %q in line %d", ErrBadConfig, key, lineno)
}

// getOptionsFromLines tries to parse all the lines coming from a config file
// and raises validation errors if the values do not conform to the expected
// format. The config file supports inline file inclusion for <ca>, <cert> and <key>.
func getOptionsFromLines(lines []string, dir string) (*OpenVPNOptions, error) {
	opt := &OpenVPNOptions{
		Remote:     "",
		Port:       "",
		Proto:      ProtoTCP,
		Username:   "",
		Password:   "",
		CA:         []byte{},
		Cert:       []byte{},
		Key:        []byte{},
		TLSAuth:    []byte{},
		TLSCrypt:   []byte{},
		TLSCryptV2: []byte{},
		Cipher:     "",
		Auth:       "",
		TLSMaxVer:  "",
		Compress:   CompressionEmpty,
		ProxyOBFS4: "",
	}

	// tag and inlineBuf are used to parse inline files.
	// these follow the format used by the reference openvpn implementation.
	// each block (e.g., ca, key, cert, tls-auth, tls-crypt) is marked by a
	// <option> line and closed by a </option> line; lines in between are
	// expected to contain the crypto block.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for lineno, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}

		// inline certs
		if isClosingTag(l) {
			// we expect an already existing inlineBuf
			e := parseInlineTag(opt, tag, inlineBuf)
			if e != nil {
				return nil, e
			}
			tag = ""
			inlineBuf = new(bytes.Buffer)
			continue
		}
		if tag != "" {
			inlineBuf.Write([]byte(l))
			inlineBuf.Write([]byte("\n"))
			continue
		}
		if isOpeningTag(l) {
			if len(inlineBuf.Bytes()) != 0 {
				// something wrong: an opening tag should not be found
				// when we still have bytes in the inline buffer.
				return opt, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
			}
			tag = parseTag(l)
			continue
		}

		// comments
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}

		// parse parts in the same line
		p := strings.Fields(l)
		if len(p) == 0 {
			continue
		}
		var (
			key   string
			parts []string
		)
		if len(p) == 1 {
			key = p[0]
		} else {
			key, parts = p[0], p[1:]
		}
		var err error
		opt, err = parseOption(opt, dir, key, parts, lineno)
		if err != nil {
			return nil, err
		}
	}
	return opt, nil
}

func isOpeningTag(key string) bool {
	switch key {
	case "<ca>", "<cert>", "<key>", "<tls-auth>", "<tls-crypt>", "<tls-crypt-v2>", "<auth-user-pass>":
		return true
	default:
		return false
	}
}

func isClosingTag(key string) bool {
	switch key {
	case "</ca>", "</cert>", "</key>", "</tls-auth>", "</tls-crypt>", "</tls-crypt-v2>", "</auth-user-pass>":
		return true
	default:
		return false
	}
}

func parseTag(tag string) string {
	switch tag {
	case "<ca>", "</ca>":
		return "ca"
	case "<cert>", "</cert>":
		return "cert"
	case "<key>", "</key>":
		return "key"
	case "<tls-auth>", "</tls-auth>":
		return "tls-auth"
	case "<tls-crypt>", "</tls-crypt>":
		return "tls-crypt"
	case "<tls-crypt-v2>", "</tls-crypt-v2>":
		return "tls-crypt-v2"
	case "<auth-user-pass>", "</auth-user-pass>":
		return "auth-user-pass"
	default:
		return ""
	}
}

// parseInlineTag
func parseInlineTag(o *OpenVPNOptions, tag string, buf *bytes.Buffer) error {
	b := buf.Bytes()
	if len(b) == 0 {
		return fmt.Errorf("%w: empty inline tag: %d", ErrBadConfig, len(b))
	}
	switch tag {
	case "ca":
		o.CA = b
	case "cert":
		o.Cert = b
	case "key":
		o.Key = b
	case "tls-auth":
		o.TLSAuth = b
	case "tls-crypt":
		o.TLSCrypt = b
	case "tls-crypt-v2":
		o.TLSCryptV2 = b
	case "auth-user-pass":
		lines := strings.Split(strings.TrimSpace(string(b)), "\n")
		if len(lines) < 2 {
			return fmt.Errorf("%w: auth-user-pass expects at least two lines", ErrBadConfig)
		}
		o.Username = strings.TrimSpace(lines[0])
		o.Password = strings.TrimSpace(lines[1])
		if o.Username == "" || o.Password == "" {
			return fmt.Errorf("%w: auth-user-pass expects non-empty username and password", ErrBadConfig)
		}
		o.AuthUserPass = true
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// hasElement checks if a given string is present in a string array. returns
// true if that is the case, false otherwise.
func hasElement(el string, arr []string) bool {
	for _, v := range arr {
		if v == el {
			return true
		}
	}
	return false
}

// existsFile returns true if the file to which the path refers to exists and
// is a regular file.
func existsFile(path string) bool {
	statbuf, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist) && statbuf.Mode().IsRegular()
}

func mustClose(c io.Closer) {
	err := c.Close()
	runtimex.PanicOnError(err, "could not close")
}

// getLinesFromFile accepts a path parameter, and return a string array with
// its content and an error if the operation cannot be completed.
func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer mustClose(f)

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// getCredentialsFromFile accepts a path string parameter, and return a string
// array containing the credentials in that file, and an error if the operation
// could not be completed.
func getCredentialsFromFile(path string) ([]string, error) {
	lines, err := getLinesFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "malformed credentials file")
	}
	if len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty username in creds file")
	}
	if len(lines[1]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty password in creds file")
	}
	return lines, nil
}

// toAbs return an absolute path if the given path is not already absolute; to
// do so, it will append the path to the given basedir.
func toAbs(path, basedir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basedir, path)
}

// isSubdir checks if a given path is a subdirectory of another. It returns
// true if that's the case, and any error raise during the check.
func isSubdir(parent, sub string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	s, err := filepath.Abs(sub)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(s, p), nil
}
