package transport

import (
	"github.com/driftline/vpncore/internal/model"
)

// UDP is the plain datagram transport: one OpenVPN packet per UDP datagram.
type UDP struct {
	*wireTransport
}

// NewUDP returns a UDP transport dialing with net.Dialer, or protector's
// ProtectSocket applied to the socket before connect when protector is
// non-nil.
func NewUDP(logger model.Logger, protector SocketProtector) *UDP {
	return &UDP{wireTransport: newWireTransport("udp", logger, protectedDialer{protector: protector})}
}
