package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeSignaling = 0x01
	PacketTypeAudio     = 0x02

	// Direction types
	DirectionRX = 0x01 // Received audio
	DirectionTX = 0x02 // Transmitted audio

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)

	// MaxAudioData is the largest PCM payload a 16-bit packet length can carry
	MaxAudioData = 0xffff - HeaderSize - AudioPayloadHeaderSize
)

// ErrNotAudio is returned for well-formed packets that carry no audio (signaling)
var ErrNotAudio = errors.New("not an audio packet")

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Direction:1]
type Header struct {
	PacketType uint8  // 0x01=Signaling, 0x02=Audio
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Direction  uint8  // 0x01=RX, 0x02=TX
}

// AudioPacket is a parsed TLV audio packet
// Layout: [Header:8][Sequence:4][PCM:N]
type AudioPacket struct {
	Header   Header
	Sequence uint32
	PCM      []byte // aliases the datagram passed to ParseAudioPacket
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Direction:  data[7],
	}

	return header, nil
}

// ParseAudioPacket parses one datagram. Signaling packets yield ErrNotAudio.
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	if header.PacketType != PacketTypeAudio {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrNotAudio, header.PacketType)
	}

	payload := data[HeaderSize:]
	return &AudioPacket{
		Header:   *header,
		Sequence: binary.BigEndian.Uint32(payload[:AudioPayloadHeaderSize]),
		PCM:      payload[AudioPayloadHeaderSize:],
	}, nil
}

// EncodeAudioPacket builds a TLV audio packet, as sent by network microphones
func EncodeAudioPacket(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	if len(pcm) > MaxAudioData {
		return nil, fmt.Errorf("audio payload too large: %d bytes (max %d)", len(pcm), MaxAudioData)
	}

	packet := make([]byte, HeaderSize+AudioPayloadHeaderSize+len(pcm))
	packet[0] = PacketTypeAudio
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint32(packet[3:7], streamID)
	packet[7] = DirectionRX
	binary.BigEndian.PutUint32(packet[HeaderSize:HeaderSize+AudioPayloadHeaderSize], sequence)
	copy(packet[HeaderSize+AudioPayloadHeaderSize:], pcm)

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidDirection(header.Direction) {
		return fmt.Errorf("invalid direction: 0x%02x", header.Direction)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	if header.PacketType == PacketTypeAudio {
		if payload := int(header.PacketLen) - HeaderSize; payload < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payload)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeSignaling || ptype == PacketTypeAudio
}

// IsValidDirection checks if the direction is valid
func IsValidDirection(dir uint8) bool {
	return dir == DirectionRX || dir == DirectionTX
}

// SequenceTracker counts gaps and late packets in an audio packet sequence.
// Late packets are dropped by the caller; the capture buffer is append-only.
type SequenceTracker struct {
	started bool
	next    uint32

	Received uint64
	Lost     uint64
	Late     uint64
}

// Observe records seq and reports whether the packet should be appended
func (t *SequenceTracker) Observe(seq uint32) bool {
	t.Received++

	if !t.started {
		t.started = true
		t.next = seq + 1
		return true
	}

	// signed distance handles wraparound
	delta := int32(seq - t.next)
	switch {
	case delta == 0:
		t.next++
		return true
	case delta > 0:
		t.Lost += uint64(delta)
		t.next = seq + 1
		return true
	default:
		t.Late++
		return false
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType, direction string

	switch h.PacketType {
	case PacketTypeSignaling:
		packetType = "Signaling"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	switch h.Direction {
	case DirectionRX:
		direction = "RX"
	case DirectionTX:
		direction = "TX"
	default:
		direction = fmt.Sprintf("Unknown(0x%02x)", h.Direction)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Direction:%s}",
		packetType, h.PacketLen, h.StreamID, direction)
}
