// Package wire frames the gateway<->worker protocol: a 4-byte big-endian
// length prefix followed by a one-byte packet type and a JSON payload.
// After an accepted tunnel handshake the stream stops being framed and
// carries raw bytes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

const MaxRawPacketSize = 1 << 26 // 64MB

var (
	ErrPacketTooLarge = errors.New("wire: packet exceeds max size")
	ErrShortPacket    = errors.New("wire: truncated packet")
)

type PacketType uint8

const (
	PacketRegisterRequest PacketType = iota + 1
	PacketRegisterResponse
	PacketHeartbeat
	PacketDeregisterRequest
	PacketDeregisterResponse
	PacketTunnelRequest
	PacketTunnelResponse
)

type Packet struct {
	Type    PacketType
	Payload []byte
}

func bufferGrow(buffer *bytebufferpool.ByteBuffer, n int) {
	if n > cap(buffer.B) {
		buffer.B = make([]byte, ((n+(1<<14)-1)/(1<<14))*(1<<14))
	}
	buffer.B = buffer.B[:n]
}

func ReadPacket(stream io.Reader) (*Packet, error) {
	var size [4]byte
	if _, err := io.ReadFull(stream, size[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(size[:]))
	if n > MaxRawPacketSize {
		return nil, ErrPacketTooLarge
	}
	if n < 1 {
		return nil, ErrShortPacket
	}

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	bufferGrow(buffer, n)
	if _, err := io.ReadFull(stream, buffer.B[:n]); err != nil {
		return nil, err
	}

	payload := make([]byte, n-1)
	copy(payload, buffer.B[1:n])
	return &Packet{Type: PacketType(buffer.B[0]), Payload: payload}, nil
}

func WritePacket(w io.Writer, packet *Packet) error {
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(packet.Payload)+1))
	buffer.Write(size[:])
	buffer.B = append(buffer.B, byte(packet.Type))
	buffer.Write(packet.Payload)
	_, err := w.Write(buffer.B)
	return err
}

// WriteMessage marshals v and writes it as a packet of type t.
func WriteMessage(w io.Writer, t PacketType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WritePacket(w, &Packet{Type: t, Payload: payload})
}

// Decode unmarshals a packet payload into T.
func Decode[T any](packet *Packet) (T, error) {
	var t T
	err := json.Unmarshal(packet.Payload, &t)
	return t, err
}
