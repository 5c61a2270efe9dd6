package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/micapture/internal/protocol"
)

const (
	defaultUDPBufferSize   = 65536
	defaultUDPPollInterval = 100 * time.Millisecond
)

// UDP datagram framings
const (
	FramingRaw = "raw" // datagrams are bare PCM
	FramingTLV = "tlv" // datagrams are TLV audio packets with sequence numbers
)

func init() {
	Register("udp", func(cfg Config) (Device, error) {
		if cfg.UDPPort < 0 || cfg.UDPPort > 65535 {
			return nil, fmt.Errorf("udp_port must be between 0 and 65535, got %d", cfg.UDPPort)
		}
		if cfg.Framing != "" && cfg.Framing != FramingRaw && cfg.Framing != FramingTLV {
			return nil, fmt.Errorf("unknown udp framing %q (want raw or tlv)", cfg.Framing)
		}
		return &UDPDevice{
			Framing:      cfg.Framing,
			BindAddress:  cfg.BindAddress,
			Port:         cfg.UDPPort,
			BufferSize:   cfg.BufferSize,
			PollInterval: cfg.PollInterval,
			logger:       cfg.Logger,
		}, nil
	})
}

// UDPDevice is a network microphone. With raw framing every datagram carries PCM in
// the capture format, appended in arrival order. With TLV framing only audio packets
// are used; late or duplicate packets are dropped and gaps are counted.
type UDPDevice struct {
	Framing      string
	BindAddress  string
	Port         int
	BufferSize   int
	PollInterval time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// Name implements Device
func (d *UDPDevice) Name() string {
	return fmt.Sprintf("udp:%s:%d", d.BindAddress, d.Port)
}

// LocalAddr returns the address of the most recently opened socket
func (d *UDPDevice) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// OpenStream binds the UDP socket; a bind failure means the device is unavailable
func (d *UDPDevice) OpenStream() (Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.BindAddress, fmt.Sprint(d.Port)))
	if err != nil {
		return nil, unavailable("udp", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, unavailable("udp", err)
	}

	bufferSize := d.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultUDPBufferSize
	}
	if err := conn.SetReadBuffer(bufferSize); err != nil && d.logger != nil {
		d.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", bufferSize),
			slog.String("error", err.Error()),
		)
	}

	poll := d.PollInterval
	if poll <= 0 {
		poll = defaultUDPPollInterval
	}

	d.mu.Lock()
	d.addr = conn.LocalAddr()
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("UDP microphone listening",
			slog.String("address", conn.LocalAddr().String()),
			slog.Int("buffer_size", bufferSize),
		)
	}

	return &udpStream{
		conn:     conn,
		datagram: make([]byte, bufferSize),
		poll:     poll,
		tlv:      d.Framing == FramingTLV,
		logger:   d.logger,
	}, nil
}

type udpStream struct {
	conn     *net.UDPConn
	datagram []byte
	pending  []byte
	poll     time.Duration
	tlv      bool
	logger   *slog.Logger

	packetsReceived uint64
	parseErrors     uint64
	sequence        protocol.SequenceTracker
}

// Read returns buffered datagram bytes first. When the socket is idle for one poll
// interval it returns (0, nil) so the caller can check for cancellation.
func (s *udpStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.poll)); err != nil {
			return 0, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, _, err := s.conn.ReadFromUDP(s.datagram)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, nil
			}
			return 0, fmt.Errorf("udp read: %w", err)
		}
		s.packetsReceived++

		// the datagram buffer is reused, pending aliases it until drained
		s.pending = s.datagram[:n]
		if s.tlv {
			s.pending = s.unframe(s.pending)
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// unframe returns the PCM carried by a TLV datagram, or nil if it is to be skipped
func (s *udpStream) unframe(datagram []byte) []byte {
	packet, err := protocol.ParseAudioPacket(datagram)
	if err != nil {
		if !errors.Is(err, protocol.ErrNotAudio) {
			s.parseErrors++
			if s.logger != nil {
				s.logger.Warn("Dropping malformed packet",
					slog.Int("size", len(datagram)),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}

	if !s.sequence.Observe(packet.Sequence) {
		return nil
	}
	return packet.PCM
}

func (s *udpStream) Close() error {
	if s.logger != nil {
		s.logger.Debug("UDP microphone closed",
			slog.Uint64("packets_received", s.packetsReceived),
			slog.Uint64("parse_errors", s.parseErrors),
			slog.Uint64("packets_lost", s.sequence.Lost),
			slog.Uint64("packets_late", s.sequence.Late),
		)
	}
	return s.conn.Close()
}
