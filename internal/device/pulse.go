package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
)

const (
	defaultPulsePollInterval = 100 * time.Millisecond
	pulseFrameQueue          = 64
)

var errRecordClosed = errors.New("record stream closed by server")

func init() {
	Register("pulse", func(cfg Config) (Device, error) {
		if cfg.Format.Channels != 1 || cfg.Format.BitsPerSample != 16 {
			return nil, fmt.Errorf("pulse backend records mono 16-bit only, got %s", cfg.Format)
		}
		return &PulseDevice{
			Source:       cfg.Name,
			SampleRate:   int(cfg.Format.SampleRate),
			PollInterval: cfg.PollInterval,
			logger:       cfg.Logger,
		}, nil
	})
}

// PulseDevice records from a PulseAudio (or PipeWire-pulse) source
type PulseDevice struct {
	Source       string // empty selects the server's default source
	SampleRate   int
	PollInterval time.Duration
	logger       *slog.Logger
}

// Name implements Device
func (d *PulseDevice) Name() string {
	if d.Source == "" {
		return "pulse:default"
	}
	return "pulse:" + d.Source
}

// OpenStream connects to the server and starts a mono Int16 record stream.
// Samples are pushed by the pulse client goroutine and drained by Read.
func (d *PulseDevice) OpenStream() (Stream, error) {
	client, err := pulse.NewClient()
	if err != nil {
		return nil, unavailable("pulse", err)
	}

	var source *pulse.Source
	if d.Source == "" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(d.Source)
	}
	if err != nil {
		client.Close()
		return nil, unavailable("pulse", err)
	}

	s := newPulseStream(d.PollInterval)
	record, err := client.NewRecord(pulse.Int16Writer(s.write),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(d.SampleRate),
	)
	if err != nil {
		client.Close()
		return nil, unavailable("pulse", err)
	}
	s.record = record
	s.closeClient = client.Close

	record.Start()

	if d.logger != nil {
		d.logger.Debug("Pulse record stream started",
			slog.String("source", source.ID()),
			slog.Int("sample_rate", d.SampleRate),
		)
	}

	return s, nil
}

// pulseRecorder is the part of *pulse.RecordStream the stream drives
type pulseRecorder interface {
	Stop()
	Close()
	Closed() bool
	Error() error
}

type pulseStream struct {
	record      pulseRecorder
	closeClient func()

	frames  chan []byte
	pending []byte
	poll    time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

func newPulseStream(poll time.Duration) *pulseStream {
	if poll <= 0 {
		poll = defaultPulsePollInterval
	}
	return &pulseStream{
		frames: make(chan []byte, pulseFrameQueue),
		poll:   poll,
		closed: make(chan struct{}),
	}
}

// write runs on the pulse client goroutine. An error stops the record stream.
func (s *pulseStream) write(samples []int16) (int, error) {
	frame := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(sample))
	}

	select {
	case s.frames <- frame:
		return len(samples), nil
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

// Read returns queued samples first. When nothing arrives for one poll interval it
// returns (0, nil), or an error if the server dropped the record stream.
func (s *pulseStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		timer := time.NewTimer(s.poll)
		defer timer.Stop()

		select {
		case frame := <-s.frames:
			s.pending = frame
		case <-timer.C:
			if s.record != nil && s.record.Closed() {
				err := s.record.Error()
				if err == nil {
					err = errRecordClosed
				}
				return 0, fmt.Errorf("pulse record stream: %w", err)
			}
			return 0, nil
		case <-s.closed:
			return 0, io.EOF
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *pulseStream) Close() error {
	s.closeOnce.Do(func() {
		// unblock the client goroutine before stopping the stream
		close(s.closed)
		if s.record != nil {
			s.record.Stop()
			s.record.Close()
		}
		if s.closeClient != nil {
			s.closeClient()
		}
	})
	return nil
}
