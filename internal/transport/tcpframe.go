package transport

import (
	"github.com/driftline/vpncore/internal/model"
)

// TCPFrame is the stream transport: each packet is framed with a 16-bit
// big-endian length prefix, as [networkio.streamConn] implements.
type TCPFrame struct {
	*wireTransport
}

// NewTCPFrame returns a TCPFrame transport, optionally routed through
// protector before connect.
func NewTCPFrame(logger model.Logger, protector SocketProtector) *TCPFrame {
	return &TCPFrame{wireTransport: newWireTransport("tcp", logger, protectedDialer{protector: protector})}
}
