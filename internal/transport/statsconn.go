package transport

import (
	"github.com/driftline/vpncore/internal/networkio"
	"github.com/driftline/vpncore/internal/statsevents"
)

// statsConn wraps a FramingConn so every packet that crosses it on the wire
// is counted, regardless of which protocol engine ends up reading and
// writing it.
type statsConn struct {
	networkio.FramingConn
	bank *statsevents.Bank
}

// WrapWithStats returns conn unchanged if bank is nil, otherwise a
// FramingConn that records every read/write through bank before the
// session hands conn off to internal/tun.StartTUN.
func WrapWithStats(conn networkio.FramingConn, bank *statsevents.Bank) networkio.FramingConn {
	if bank == nil {
		return conn
	}
	return &statsConn{FramingConn: conn, bank: bank}
}

func (c *statsConn) ReadRawPacket() ([]byte, error) {
	pkt, err := c.FramingConn.ReadRawPacket()
	if err == nil {
		c.bank.NoteRecv(len(pkt))
	}
	return pkt, err
}

func (c *statsConn) WriteRawPacket(pkt []byte) error {
	err := c.FramingConn.WriteRawPacket(pkt)
	if err == nil {
		c.bank.NoteSend(len(pkt))
	}
	return err
}
