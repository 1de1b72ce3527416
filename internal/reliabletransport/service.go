// Package reliabletransport implements the reliable-transport workers: a
// sliding-window sender and receiver that turn the unreliable datagrams
// coming from the packet muxer into the in-order, at-least-once delivery
// the control channel's TLS handshake depends on. See the [ARCHITECTURE]
// file for more information about the reliable-transport workers.
//
// [ARCHITECTURE]: https://github.com/driftline/vpncore/blob/main/ARCHITECTURE.md
package reliabletransport

import (
	"crypto/rand"
	"sort"
	"time"

	"github.com/driftline/vpncore/internal/model"
	"github.com/driftline/vpncore/internal/optional"
	"github.com/driftline/vpncore/internal/session"
	"github.com/driftline/vpncore/internal/workers"
	"github.com/driftline/vpncore/pkg/config"
)

var serviceName = "reliabletransport"

const (
	// RELIABLE_SEND_BUFFER_SIZE bounds how many outgoing control packets we
	// keep in flight (unacknowledged) at once.
	RELIABLE_SEND_BUFFER_SIZE = 8

	// RELIABLE_RECV_BUFFER_SIZE bounds both the out-of-order receive window
	// and how far ahead of lastConsumed an incoming packet ID may be.
	RELIABLE_RECV_BUFFER_SIZE = 8

	// SENDER_TICKER_MS is the polling interval the sender uses to notice
	// retransmission deadlines and pending ACKs when nothing else wakes it.
	SENDER_TICKER_MS = 100

	// ACK_SET_CAPACITY bounds how many distinct packet IDs we will hold
	// waiting to be acknowledged before we start dropping the overflow.
	ACK_SET_CAPACITY = 8

	// MAX_ACKS_PER_OUTGOING_PACKET is the most ACKs we piggyback on a single
	// outgoing packet's header, matching OpenVPN's wire format limit.
	MAX_ACKS_PER_OUTGOING_PACKET = 4
)

// Service is the reliable-transport service. Make sure you initialize the
// channels before invoking [Service.StartWorkers].
type Service struct {
	// DataOrControlToMuxer moves packets down to the packet muxer.
	DataOrControlToMuxer *chan *model.Packet

	// ControlToReliable moves outgoing control packets down from the
	// control channel.
	ControlToReliable chan *model.Packet

	// MuxerToReliable moves incoming control packets up from the packet
	// muxer.
	MuxerToReliable chan *model.Packet

	// ReliableToControl moves incoming, in-order control packets up to the
	// control channel.
	ReliableToControl *chan *model.Packet
}

// StartWorkers starts the reliable-transport workers.
func (s *Service) StartWorkers(
	config *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	ws := &workersState{
		logger:               config.Logger(),
		controlToReliable:    s.ControlToReliable,
		muxerToReliable:      s.MuxerToReliable,
		reliableToControl:    *s.ReliableToControl,
		dataOrControlToMuxer: *s.DataOrControlToMuxer,
		incomingSeen:         make(chan incomingPacketSeen, RELIABLE_RECV_BUFFER_SIZE),
		sessionManager:       sessionManager,
		tracer:               config.Tracer(),
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the reliabletransport workers state.
type workersState struct {
	// logger is the logger to use.
	logger model.Logger

	// controlToReliable is the channel for reading outgoing control packets
	// coming down from the control channel.
	controlToReliable <-chan *model.Packet

	// muxerToReliable is the channel for reading incoming control packets
	// coming up from the packet muxer.
	muxerToReliable <-chan *model.Packet

	// reliableToControl is the channel for writing in-order incoming
	// control packets going up to the control channel.
	reliableToControl chan<- *model.Packet

	// dataOrControlToMuxer is the channel for writing outgoing packets
	// going down to the packet muxer.
	dataOrControlToMuxer chan<- *model.Packet

	// incomingSeen is the lateral channel the receiver uses to tell the
	// sender about packets and ACKs it has observed.
	incomingSeen chan incomingPacketSeen

	// sessionManager manages the OpenVPN session.
	sessionManager *session.Manager

	// tracer traces the handshake.
	tracer model.HandshakeTracer

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// incomingPacketSeen is what the receiver posts to the sender's lateral
// channel for every packet it accepts off the wire: the key ID it arrived
// under, its own packet ID (absent for a standalone ACK), and any ACKs it
// piggybacked.
type incomingPacketSeen struct {
	keyID byte
	id    optional.Value[model.PacketID]
	acks  optional.Value[[]model.PacketID]
}

// incomingSequence is a set of buffered incoming control packets, ordered
// by ascending packet ID.
type incomingSequence []*model.Packet

var _ sort.Interface = incomingSequence(nil)

func (s incomingSequence) Len() int           { return len(s) }
func (s incomingSequence) Less(i, j int) bool { return packetIDLess(s[i].ID, s[j].ID) }
func (s incomingSequence) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// inFlightPacket wraps an outgoing control packet with its retransmission
// bookkeeping: how many times it has been sent, when it was last sent, and
// when it is next due for retransmission.
type inFlightPacket struct {
	// packet is the outgoing packet itself. Once inserted, nothing but
	// [inFlightPacket.ScheduleForRetransmission] and eviction may touch it;
	// the copy actually written to the wire is a [model.Packet.Clone].
	packet *model.Packet

	// retries counts how many times we have sent this packet (1 after the
	// first send).
	retries int

	// sentAt is when this packet was last (re)transmitted.
	sentAt time.Time

	// deadline is when this packet is next due for retransmission.
	deadline time.Time
}

// newInFlightPacket wraps p for insertion into the sender's in-flight queue,
// due for its first send immediately.
func newInFlightPacket(p *model.Packet) *inFlightPacket {
	return &inFlightPacket{
		packet:   p,
		deadline: time.Now(),
	}
}

// ACKForHigherPacket bumps retransmission urgency for a packet the peer has
// implicitly acknowledged receipt past (a higher packet ID was ACKed), by
// pulling its deadline forward. This mirrors OpenVPN's fast-retransmit-like
// behavior on out-of-order ACKs.
func (p *inFlightPacket) ACKForHigherPacket() {
	if now := time.Now(); p.deadline.After(now) {
		p.deadline = now
	}
}

// ScheduleForRetransmission records that p was just (re)transmitted at now,
// and schedules its next retransmission with exponential backoff.
func (p *inFlightPacket) ScheduleForRetransmission(now time.Time) {
	p.retries++
	p.sentAt = now
	backoff := time.Duration(1<<uint(p.retries-1)) * baseRetransmitTimeout
	if backoff > maxRetransmitTimeout {
		backoff = maxRetransmitTimeout
	}
	p.deadline = now.Add(backoff)
}

const (
	baseRetransmitTimeout = time.Second
	maxRetransmitTimeout  = time.Second * 60
)

// inflightSequence is the array of in-flight packets, ordered by ascending
// packet ID (the order [reliableSender.maybeEvictOrMarkWithHigherACK]
// wants after an eviction).
type inflightSequence []*inFlightPacket

var _ sort.Interface = inflightSequence(nil)

func (s inflightSequence) Len() int           { return len(s) }
func (s inflightSequence) Less(i, j int) bool { return packetIDLess(s[i].packet.ID, s[j].packet.ID) }
func (s inflightSequence) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// nearestDeadlineTo returns the earliest retransmission deadline among the
// in-flight packets that is not before t, or a deadline one minute in the
// future if the queue is empty (nothing to wake up early for).
func (s inflightSequence) nearestDeadlineTo(t time.Time) time.Time {
	if len(s) == 0 {
		return t.Add(time.Minute)
	}
	nearest := s[0].deadline
	for _, p := range s[1:] {
		if p.deadline.Before(nearest) {
			nearest = p.deadline
		}
	}
	if nearest.Before(t) {
		// every deadline already expired: wake up almost immediately rather
		// than handing the ticker a non-positive duration.
		return t.Add(time.Nanosecond)
	}
	return nearest
}

// readyToSend returns the in-flight packets whose retransmission deadline
// has arrived as of t.
func (s inflightSequence) readyToSend(t time.Time) []*inFlightPacket {
	var ready []*inFlightPacket
	for _, p := range s {
		if !p.deadline.After(t) {
			ready = append(ready, p)
		}
	}
	return ready
}

// outgoingPacketWriter accepts outgoing control packets for reliable
// delivery.
type outgoingPacketWriter interface {
	TryInsertOutgoingPacket(p *model.Packet) bool
}

// outgoingPacketHandler is the sender-side view used by moveDownWorker to
// decide what to (re)transmit and which ACKs to piggyback.
type outgoingPacketHandler interface {
	NextPacketIDsToACK() []model.PacketID
}

// seenPacketHandler receives notifications about packets and ACKs the
// receiver has observed, so the sender can retire acknowledged packets.
type seenPacketHandler interface {
	OnIncomingPacketSeen(seen incomingPacketSeen)
}

// incomingPacketHandler is the receiver-side view used by moveUpWorker to
// reorder and deliver incoming control packets.
type incomingPacketHandler interface {
	MaybeInsertIncoming(p *model.Packet) bool
	NextIncomingSequence() incomingSequence
}

// newRandomSessionID returns a fresh random [model.SessionID], used by
// tests that need a plausible remote session ID without dialing a server.
func newRandomSessionID() model.SessionID {
	var id model.SessionID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}
