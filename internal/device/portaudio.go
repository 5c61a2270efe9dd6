//go:build portaudio

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// framesPerBuffer is 32ms at 16kHz, matching one 1024-byte capture chunk
const framesPerBuffer = 512

func init() {
	Register("portaudio", func(cfg Config) (Device, error) {
		if cfg.Format.Channels != 1 || cfg.Format.BitsPerSample != 16 {
			return nil, fmt.Errorf("portaudio backend records mono 16-bit only, got %s", cfg.Format)
		}
		return &PortAudioDevice{
			SampleRate: float64(cfg.Format.SampleRate),
			logger:     cfg.Logger,
		}, nil
	})
}

// PortAudioDevice records from the default PortAudio input device
type PortAudioDevice struct {
	SampleRate float64
	logger     *slog.Logger
}

// Name implements Device
func (d *PortAudioDevice) Name() string {
	return "portaudio:default"
}

// OpenStream initializes PortAudio and starts a blocking-read input stream
func (d *PortAudioDevice) OpenStream() (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, unavailable("portaudio", err)
	}

	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, unavailable("portaudio", err)
	}

	s := &portAudioStream{samples: make([]int16, framesPerBuffer)}
	stream, err := portaudio.OpenDefaultStream(1, 0, d.SampleRate, len(s.samples), s.samples)
	if err != nil {
		portaudio.Terminate()
		return nil, unavailable("portaudio", err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, unavailable("portaudio", err)
	}

	d.logger.Debug("PortAudio input stream started",
		slog.String("device", info.Name),
		slog.Float64("sample_rate", d.SampleRate),
	)

	return s, nil
}

type portAudioStream struct {
	stream  *portaudio.Stream
	samples []int16
	pending []byte
}

// Read hands out one PortAudio buffer at a time, carrying leftovers across calls
func (s *portAudioStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.stream.Read(); err != nil {
			return 0, fmt.Errorf("portaudio read: %w", err)
		}
		frame := make([]byte, len(s.samples)*2)
		for i, sample := range s.samples {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
		}
		s.pending = frame
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *portAudioStream) Close() error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	portaudio.Terminate()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}
