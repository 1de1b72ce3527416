package networkio

import (
	"context"
	"net"
	"strings"

	"github.com/driftline/vpncore/internal/model"
)

// FramingConn is a [net.Conn] augmented with OpenVPN packet framing: reading
// and writing whole packets rather than a raw byte stream. TCP transports
// frame with a 16-bit big-endian length prefix; UDP transports frame
// implicitly, one packet per datagram.
type FramingConn interface {
	net.Conn

	// ReadRawPacket reads one framed packet. The returned slice is owned by
	// [bytespool.Default] and should be released with Put once consumed.
	ReadRawPacket() ([]byte, error)

	// WriteRawPacket writes one framed packet.
	WriteRawPacket(pkt []byte) error
}

// UnderlyingDialer is the subset of [net.Dialer] this package needs; a
// *net.Dialer satisfies it directly, and the HTTP-CONNECT transport and
// test harnesses substitute their own implementation.
type UnderlyingDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer produces [FramingConn]s over an [UnderlyingDialer], choosing the
// stream or datagram framing based on the requested network.
type Dialer struct {
	logger     model.Logger
	underlying UnderlyingDialer
}

// NewDialer returns a [Dialer] that frames connections obtained from underlying.
func NewDialer(logger model.Logger, underlying UnderlyingDialer) *Dialer {
	return &Dialer{logger: logger, underlying: underlying}
}

// DialContext dials address over network ("tcp"/"tcp4"/"tcp6" or
// "udp"/"udp4"/"udp6") and wraps the resulting connection with the
// appropriate packet framing.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (FramingConn, error) {
	conn, err := d.underlying.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(network, "udp") {
		return &datagramConn{Conn: conn}, nil
	}
	return &streamConn{Conn: conn}, nil
}
