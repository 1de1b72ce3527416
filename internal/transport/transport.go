// Package transport abstracts the different ways a session can reach a
// server: plain UDP, length-framed TCP, TCP through an HTTP-CONNECT proxy,
// or (where available) a kernel data-channel offload.
package transport

import (
	"context"
	"errors"

	"github.com/driftline/vpncore/internal/networkio"
)

// ErrNotConnected is returned by Send when called before StartConnect has
// completed or after Stop.
var ErrNotConnected = errors.New("transport: not connected")

// SocketProtector lets a host exempt the transport's underlying socket from
// a VPN-wide routing policy, so the tunnel's own traffic doesn't get routed
// back into the tunnel. It mirrors the fd-based protect callback a mobile
// host installs before the socket connects.
type SocketProtector interface {
	ProtectSocket(fd uintptr) error
}

// RecvFunc is invoked once per received, de-framed packet. It must not block
// for long since it runs on the transport's read loop.
type RecvFunc func(pkt []byte)

// Transport is the dial/send/receive contract every concrete variant
// (udp, tcpframe, httpproxy) implements. StartConnect is synchronous: it
// returns once the underlying connection is usable or dialing failed.
type Transport interface {
	// StartConnect dials addr and installs recv as the callback for every
	// packet subsequently read off the wire.
	StartConnect(ctx context.Context, addr string, recv RecvFunc) error

	// Send writes one packet to the connected peer.
	Send(pkt []byte) error

	// Stop closes the underlying connection and stops the read loop.
	Stop() error

	// SendQueueSize reports how many packets are currently queued for
	// send, for a host that wants to detect a stalled link.
	SendQueueSize() int

	// Conn exposes the underlying framing connection, mainly so
	// internal/tun.StartTUN can wire it directly into the protocol engine
	// once a transport has connected.
	Conn() networkio.FramingConn
}
