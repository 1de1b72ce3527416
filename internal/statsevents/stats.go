// Package statsevents implements the fixed-index counter bank and the
// closed error taxonomy that the client session controller exposes to its
// embedder. Every slot is written only by the owning event loop and read
// from any goroutine via atomic.Int64.Load, matching how the rest of this
// module treats state that crosses the foreign-thread boundary.
package statsevents

import (
	"sync/atomic"
	"time"
)

// Index selects a stat-bank slot. Indices are stable and part of the
// external contract; new stats are appended, never inserted.
type Index int

const (
	BytesIn Index = iota
	BytesOut
	PacketsIn
	PacketsOut
	TunBytesIn
	TunBytesOut
	TunPacketsIn
	TunPacketsOut
	LastPacketReceivedUnixMilli

	numIndices
)

// Bank is the fixed-index stat counter array. The zero
// value is ready to use.
type Bank struct {
	counters [numIndices]atomic.Int64
}

// Add adds delta to the counter at i and returns the new value.
func (b *Bank) Add(i Index, delta int64) int64 {
	return b.counters[i].Add(delta)
}

// Set stores v into the counter at i, for slots that hold a point-in-time
// value (LastPacketReceivedUnixMilli) rather than a running total.
func (b *Bank) Set(i Index, v int64) {
	b.counters[i].Store(v)
}

// Value returns the current value of the counter at i. Safe to call from
// any goroutine.
func (b *Bank) Value(i Index) int64 {
	return b.counters[i].Load()
}

// NoteRecv records nBytes received on the tunnel's transport socket and
// bumps the last-packet-received timestamp, mirroring what every transport
// implementation should call on a successful read.
func (b *Bank) NoteRecv(nBytes int) {
	b.Add(BytesIn, int64(nBytes))
	b.Add(PacketsIn, 1)
	b.Set(LastPacketReceivedUnixMilli, time.Now().UnixMilli())
}

// NoteSend records nBytes sent on the tunnel's transport socket.
func (b *Bank) NoteSend(nBytes int) {
	b.Add(BytesOut, int64(nBytes))
	b.Add(PacketsOut, 1)
}

// NoteTunRecv records nBytes read from the platform tun device.
func (b *Bank) NoteTunRecv(nBytes int) {
	b.Add(TunBytesIn, int64(nBytes))
	b.Add(TunPacketsIn, 1)
}

// NoteTunSend records nBytes written to the platform tun device.
func (b *Bank) NoteTunSend(nBytes int) {
	b.Add(TunBytesOut, int64(nBytes))
	b.Add(TunPacketsOut, 1)
}

// Snapshot is a point-in-time copy of every stat-bank slot, safe to hand to
// a caller without pinning the live atomics.
type Snapshot struct {
	BytesIn, BytesOut           int64
	PacketsIn, PacketsOut       int64
	TunBytesIn, TunBytesOut     int64
	TunPacketsIn, TunPacketsOut int64
	LastPacketReceivedUnixMilli int64
}

// Bundle copies every slot into a Snapshot.
func (b *Bank) Bundle() Snapshot {
	return Snapshot{
		BytesIn:                     b.Value(BytesIn),
		BytesOut:                    b.Value(BytesOut),
		PacketsIn:                   b.Value(PacketsIn),
		PacketsOut:                  b.Value(PacketsOut),
		TunBytesIn:                  b.Value(TunBytesIn),
		TunBytesOut:                 b.Value(TunBytesOut),
		TunPacketsIn:                b.Value(TunPacketsIn),
		TunPacketsOut:               b.Value(TunPacketsOut),
		LastPacketReceivedUnixMilli: b.Value(LastPacketReceivedUnixMilli),
	}
}
