package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/networkio"
)

// wireTransport is shared by the udp and tcpframe variants: both dial
// through a [networkio.Dialer], which already picks datagram or
// length-prefixed stream framing from the network string, and both read
// packets off the wire in a loop that hands each one to a callback.
type wireTransport struct {
	network string
	logger  model.Logger
	dialer  *networkio.Dialer

	mu        sync.Mutex
	conn      networkio.FramingConn
	stopped   bool
	queueSize atomic.Int64
	done      chan struct{}
}

func newWireTransport(network string, logger model.Logger, underlying networkio.UnderlyingDialer) *wireTransport {
	return &wireTransport{
		network: network,
		logger:  logger,
		dialer:  networkio.NewDialer(logger, underlying),
	}
}

// StartConnect dials addr. When recv is non-nil, it also starts a read loop
// that hands every received packet to recv; pass nil when the caller is
// about to hand Conn() off to something else that will do its own reading
// (internal/tun.StartTUN does exactly this once a handshake begins), since
// two readers on the same socket would race for packets.
func (t *wireTransport) StartConnect(ctx context.Context, addr string, recv RecvFunc) error {
	conn, err := t.dialer.DialContext(ctx, t.network, addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()

	if recv != nil {
		go t.readLoop(conn, recv)
	} else {
		close(t.done)
	}
	return nil
}

func (t *wireTransport) readLoop(conn networkio.FramingConn, recv RecvFunc) {
	defer close(t.done)
	for {
		pkt, err := conn.ReadRawPacket()
		if err != nil {
			t.logger.Debugf("transport: read loop exiting: %s", err.Error())
			return
		}
		recv(pkt)
	}
}

func (t *wireTransport) Send(pkt []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.queueSize.Add(1)
	defer t.queueSize.Add(-1)
	return conn.WriteRawPacket(pkt)
}

func (t *wireTransport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if conn == nil || already {
		return nil
	}
	return conn.Close()
}

func (t *wireTransport) SendQueueSize() int {
	return int(t.queueSize.Load())
}

func (t *wireTransport) Conn() networkio.FramingConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}
