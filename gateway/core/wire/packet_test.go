package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/crlib/testutils/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, PacketHeartbeat, Heartbeat{
		PeerID: "peer-1",
		Metrics: PeerMetrics{
			LatencyMs:      12.5,
			InFlight:       2,
			ReplicationLag: 40,
			Extra:          map[string]float64{"cpu": 0.3},
		},
	})
	require.NoError(t, err)

	packet, err := ReadPacket(&buf)
	require.NoError(t, err)
	if packet.Type != PacketHeartbeat {
		t.Fatalf("unexpected type %d", packet.Type)
	}

	hb, err := Decode[Heartbeat](packet)
	require.NoError(t, err)
	if hb.PeerID != "peer-1" || hb.Metrics.InFlight != 2 {
		t.Fatalf("decoded heartbeat mismatch: %+v", hb)
	}
	if hb.Metrics.Extra["cpu"] != 0.3 {
		t.Fatalf("extra metrics dropped: %+v", hb.Metrics.Extra)
	}
}

func TestReadPacketRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], MaxRawPacketSize+1)
	buf.Write(size[:])

	if _, err := ReadPacket(&buf); err != ErrPacketTooLarge {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestReadPacketRejectsEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	var size [4]byte
	buf.Write(size[:])

	if _, err := ReadPacket(&buf); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestMultiplePacketsOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, PacketTunnelRequest, TunnelRequest{JobID: "j1", RelayKey: "aa"}))
	require.NoError(t, WriteMessage(&buf, PacketTunnelResponse, TunnelResponse{Accepted: true}))

	p1, err := ReadPacket(&buf)
	require.NoError(t, err)
	p2, err := ReadPacket(&buf)
	require.NoError(t, err)
	if p1.Type != PacketTunnelRequest || p2.Type != PacketTunnelResponse {
		t.Fatalf("packet order lost: %d %d", p1.Type, p2.Type)
	}
}
