package statsevents

import (
	"io"

	"github.com/BurntSushi/toml"
)

// tomlSnapshot is Snapshot reshaped with the field names a human reading a
// dumped file expects, decoupled from the Go-side Snapshot layout.
type tomlSnapshot struct {
	BytesIn                     int64 `toml:"bytes_in"`
	BytesOut                    int64 `toml:"bytes_out"`
	PacketsIn                   int64 `toml:"packets_in"`
	PacketsOut                  int64 `toml:"packets_out"`
	TunBytesIn                  int64 `toml:"tun_bytes_in"`
	TunBytesOut                 int64 `toml:"tun_bytes_out"`
	TunPacketsIn                int64 `toml:"tun_packets_in"`
	TunPacketsOut               int64 `toml:"tun_packets_out"`
	LastPacketReceivedUnixMilli int64 `toml:"last_packet_received_unix_milli"`
}

// DumpTOML writes a point-in-time snapshot of the bank to w, for host CLIs
// that want a human-readable stats dump on shutdown or SIGUSR1.
func (b *Bank) DumpTOML(w io.Writer) error {
	snap := b.Bundle()
	return toml.NewEncoder(w).Encode(tomlSnapshot{
		BytesIn:                     snap.BytesIn,
		BytesOut:                    snap.BytesOut,
		PacketsIn:                   snap.PacketsIn,
		PacketsOut:                  snap.PacketsOut,
		TunBytesIn:                  snap.TunBytesIn,
		TunBytesOut:                 snap.TunBytesOut,
		TunPacketsIn:                snap.TunPacketsIn,
		TunPacketsOut:               snap.TunPacketsOut,
		LastPacketReceivedUnixMilli: snap.LastPacketReceivedUnixMilli,
	})
}
