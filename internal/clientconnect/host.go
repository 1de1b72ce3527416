// Package clientconnect is the outer-loop orchestrator: it owns the
// remote list, the transport, and the protocol engine for one session, and
// is the single place foreign threads talk to while a connection is live.
package clientconnect

import (
	"io"

	"github.com/driftline/vpncore/internal/externalpki"
	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/remotelist"
	"github.com/driftline/vpncore/internal/transport"
)

// Host is the set of capabilities the embedding application supplies. Any
// field left nil gets a no-op default so a minimal host only has to set
// Log and Event.
type Host struct {
	// Log receives diagnostic messages at every level the session emits.
	Log model.Logger

	// Event is called once per lifecycle event, in emission order.
	Event func(model.Event)

	// ACCEvent is called for every inbound app-custom-control-channel message.
	ACCEvent func(model.AppControlChannelEvent)

	// SocketProtect, if set, is applied to the transport socket before connect.
	SocketProtect transport.SocketProtector

	// PauseOnConnectionTimeout is consulted when the total-attempt timeout
	// (conn_timeout) expires; returning true pauses instead of failing.
	PauseOnConnectionTimeout func() bool

	// ExternalPKISign answers signature requests for a profile whose
	// private key lives outside the process.
	ExternalPKISign externalpki.HostSigner

	// RemoteOverride, if set, is installed on the remote list to let the
	// host steer remote selection.
	RemoteOverride remotelist.OverrideHook

	// BuildTUN constructs (or hands over) the platform tun/tap adapter once
	// a handshake has assigned an address, MTU and peer-id. The session
	// pumps IP packets between the returned device and the data channel
	// until the attempt ends, then closes it. A nil BuildTUN leaves the
	// tunnel's plaintext boundary unconnected: stats still count transport
	// bytes, but no IP packets ever move.
	BuildTUN func(info model.TunnelInfo) (io.ReadWriteCloser, error)
}

func (h *Host) logf(format string, args ...any) {
	if h.Log == nil {
		return
	}
	h.Log.Infof(format, args...)
}

func (h *Host) emit(ev model.Event) {
	if h.Event != nil {
		h.Event(ev)
	}
}
