// Package tun wires together one connection attempt: the network I/O,
// packet muxer, reliable transport, control channel, TLS session and data
// channel workers that together turn a raw [Conn] into a negotiated OpenVPN
// tunnel. See the [ARCHITECTURE] file for more information about how the
// workers fit together.
//
// [ARCHITECTURE]: https://github.com/driftline/vpncore/blob/main/ARCHITECTURE.md
package tun

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/driftline/vpncore/internal/controlchannel"
	"github.com/driftline/vpncore/internal/datachannel"
	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/networkio"
	"github.com/driftline/vpncore/internal/packetmuxer"
	"github.com/driftline/vpncore/internal/reliabletransport"
	"github.com/driftline/vpncore/internal/session"
	"github.com/driftline/vpncore/internal/tlssession"
	"github.com/driftline/vpncore/internal/workers"
	"github.com/driftline/vpncore/pkg/config"
)

// chanBufferSize is the capacity given to every inter-service channel. It is
// twice the reliable transport's 8-slot send/receive windows.
const chanBufferSize = 16

// negotiationPollInterval is how often StartTUN polls the session manager
// for a handshake-window timeout while the handshake is in flight.
const negotiationPollInterval = 100 * time.Millisecond

// Conn is the narrow connection surface StartTUN needs: framed packet I/O,
// deadlines and addresses, but not the byte-stream Read/Write of a plain
// net.Conn (the muxer only ever calls the framed methods). A
// [networkio.FramingConn] satisfies this directly.
type Conn interface {
	ReadRawPacket() ([]byte, error)
	WriteRawPacket(pkt []byte) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// asFramingConn adapts conn to [networkio.FramingConn]. Real sockets
// obtained from [networkio.Dialer] already implement the full interface and
// are returned unchanged; anything narrower gets Read/Write/SetDeadline
// stubbed in, since the network I/O workers only ever call ReadRawPacket and
// WriteRawPacket.
func asFramingConn(conn Conn) networkio.FramingConn {
	if fc, ok := conn.(networkio.FramingConn); ok {
		return fc
	}
	return &framingConnAdapter{Conn: conn}
}

type framingConnAdapter struct {
	Conn
}

func (a *framingConnAdapter) Read([]byte) (int, error)  { return 0, net.ErrClosed }
func (a *framingConnAdapter) Write([]byte) (int, error) { return 0, net.ErrClosed }
func (a *framingConnAdapter) SetDeadline(t time.Time) error {
	if err := a.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return a.Conn.SetWriteDeadline(t)
}

// T is a single negotiated (or negotiating) connection attempt, returned by
// [StartTUN] once the data channel keys are ready. TUNToData/DataToTUN are
// the tunnel's plaintext boundary: write IP packets to TUNToData to send
// them, read decrypted IP packets off DataToTUN as they arrive.
type T struct {
	TUNToData chan []byte
	DataToTUN chan []byte

	sessionManager *session.Manager
	workersManager *workers.Manager
	postDown       chan []byte
}

// ErrControlChannelBusy is returned by PostControlMessage when the post
// queue is full, so a caller posting faster than the link can drain knows
// to back off instead of blocking its own event loop.
var ErrControlChannelBusy = errors.New("tun: control channel post queue full")

// Session returns the underlying session manager, for callers that need to
// observe tunnel info, trigger renegotiation, or watch for failure after
// the handshake has completed.
func (t *T) Session() *session.Manager {
	return t.sessionManager
}

// PostControlMessage enqueues a raw control-message payload to be written
// over the live TLS session, for app-level control messages and custom
// control-channel traffic posted once the handshake is complete. It is
// dropped with ErrControlChannelBusy if the queue is full, and silently by
// the tlssession worker if no TLS session is currently live.
func (t *T) PostControlMessage(payload []byte) error {
	select {
	case t.postDown <- payload:
		return nil
	default:
		return ErrControlChannelBusy
	}
}

// Close tears down every worker started for this connection attempt and
// waits for them to exit.
func (t *T) Close() error {
	t.workersManager.StartShutdown()
	t.workersManager.WaitWorkersShutdown()
	return nil
}

// StartTUN wires every layer together over conn and blocks until either the
// handshake completes (data channel keys are ready), the handshake window
// configured on cfg elapses without completing, or ctx is cancelled. On any
// failure path every worker started so far is torn down before returning.
func StartTUN(ctx context.Context, conn Conn, cfg *config.Config) (*T, error) {
	sessionManager, err := session.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	workersManager := workers.NewManager(cfg.Logger())

	framingConn := asFramingConn(conn)

	var (
		muxerToNetwork       = make(chan []byte, chanBufferSize)
		networkToMuxer       = make(chan []byte, chanBufferSize)
		dataOrControlToMuxer = make(chan *model.Packet, chanBufferSize)
		muxerToReliable      = make(chan *model.Packet, chanBufferSize)
		muxerToData          = make(chan *model.Packet, chanBufferSize)
		controlToReliable    = make(chan *model.Packet, chanBufferSize)
		reliableToControl    = make(chan *model.Packet, chanBufferSize)
		notifyTLS            = make(chan *model.Notification, chanBufferSize)
		tlsRecordToControl   = make(chan []byte, chanBufferSize)
		tlsRecordFromControl = make(chan []byte, chanBufferSize)
		keyReady             = make(chan *session.DataChannelKey, 1)
		hardReset            = make(chan any, 1)
		tunToData            = make(chan []byte, chanBufferSize)
		dataToTUN            = make(chan []byte, chanBufferSize)
		postDown             = make(chan []byte, chanBufferSize)
	)

	networkioSvc := &networkio.Service{
		MuxerToNetwork: muxerToNetwork,
		NetworkToMuxer: &networkToMuxer,
	}
	networkioSvc.StartWorkers(cfg, workersManager, framingConn)

	packetmuxerSvc := &packetmuxer.Service{
		HardReset:            hardReset,
		NotifyTLS:            &notifyTLS,
		MuxerToReliable:      &muxerToReliable,
		MuxerToData:          &muxerToData,
		DataOrControlToMuxer: dataOrControlToMuxer,
		MuxerToNetwork:       &muxerToNetwork,
		NetworkToMuxer:       networkToMuxer,
	}
	packetmuxerSvc.StartWorkers(cfg, workersManager, sessionManager)

	reliabletransportSvc := &reliabletransport.Service{
		DataOrControlToMuxer: &dataOrControlToMuxer,
		ControlToReliable:    controlToReliable,
		MuxerToReliable:      muxerToReliable,
		ReliableToControl:    &reliableToControl,
	}
	reliabletransportSvc.StartWorkers(cfg, workersManager, sessionManager)

	controlchannelSvc := &controlchannel.Service{
		NotifyTLS:            &notifyTLS,
		ControlToReliable:    &controlToReliable,
		ReliableToControl:    reliableToControl,
		TLSRecordToControl:   tlsRecordToControl,
		TLSRecordFromControl: &tlsRecordFromControl,
	}
	controlchannelSvc.StartWorkers(cfg, workersManager, sessionManager)

	tlssessionSvc := &tlssession.Service{
		NotifyTLS:     notifyTLS,
		KeyUp:         &keyReady,
		TLSRecordUp:   tlsRecordFromControl,
		TLSRecordDown: &tlsRecordToControl,
		PostDown:      postDown,
	}
	tlssessionSvc.StartWorkers(cfg, workersManager, sessionManager)

	datachannelSvc := &datachannel.Service{
		MuxerToData:          muxerToData,
		DataOrControlToMuxer: &dataOrControlToMuxer,
		TUNToData:            tunToData,
		DataToTUN:            dataToTUN,
		KeyReady:             keyReady,
		NotifyTLS:            &notifyTLS,
		ControlToReliable:    &controlToReliable,
	}
	datachannelSvc.StartWorkers(cfg, workersManager, sessionManager)

	// Kick off the three-way handshake.
	select {
	case hardReset <- struct{}{}:
	case <-workersManager.ShouldShutdown():
	}

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go negotiationWatchdog(sessionManager, workersManager, watchdogDone)

	select {
	case <-sessionManager.Ready:
		return &T{
			TUNToData:      tunToData,
			DataToTUN:      dataToTUN,
			sessionManager: sessionManager,
			workersManager: workersManager,
			postDown:       postDown,
		}, nil

	case err := <-sessionManager.Failure:
		workersManager.StartShutdown()
		workersManager.WaitWorkersShutdown()
		return nil, err

	case <-ctx.Done():
		workersManager.StartShutdown()
		workersManager.WaitWorkersShutdown()
		return nil, ctx.Err()

	case <-workersManager.ShouldShutdown():
		workersManager.WaitWorkersShutdown()
		return nil, session.ErrTLSNegotiationTimeout
	}
}

// negotiationWatchdog polls the session manager for a handshake-window
// timeout and tears down the workers if it fires, since nothing else in the
// pipeline observes the must_negotiate deadline on an idle connection (no
// packet arriving means nothing ever re-checks it).
func negotiationWatchdog(sessionManager *session.Manager, workersManager *workers.Manager, done <-chan struct{}) {
	ticker := time.NewTicker(negotiationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if sessionManager.CheckNegotiationTimeout() {
				select {
				case sessionManager.Failure <- session.ErrTLSNegotiationTimeout:
				default:
				}
				workersManager.StartShutdown()
				return
			}
		case <-done:
			return
		case <-workersManager.ShouldShutdown():
			return
		}
	}
}
