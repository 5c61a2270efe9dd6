package device

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/skypro1111/micapture/internal/audio"
)

func init() {
	Register("file", func(cfg Config) (Device, error) {
		if cfg.Name == "" {
			return nil, fmt.Errorf("file backend needs a path (or - for stdin)")
		}
		return &FileDevice{
			Path:     cfg.Name,
			Realtime: cfg.Realtime,
			Format:   cfg.Format,
			logger:   cfg.Logger,
		}, nil
	})
}

// FileDevice replays recorded audio as if it came from a microphone. The source is
// either raw PCM in the capture format or a WAV file with a matching format.
// Path "-" reads raw PCM from stdin.
type FileDevice struct {
	Path     string
	Realtime bool // pace reads at the format's byte rate
	Format   audio.AudioFormat
	logger   *slog.Logger
}

// Name implements Device
func (d *FileDevice) Name() string {
	return "file:" + d.Path
}

// OpenStream opens the source; a missing file means the device is unavailable
func (d *FileDevice) OpenStream() (Stream, error) {
	if d.Path == "-" {
		return &fileStream{r: os.Stdin, realtime: d.Realtime, format: d.Format}, nil
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return nil, unavailable("file", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, unavailable("file", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, unavailable("file", err)
	}

	var r io.Reader = f
	if bytes.Equal(magic[:], []byte("RIFF")) {
		r, err = d.openWAV(f)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return &fileStream{r: r, closer: f, realtime: d.Realtime, format: d.Format}, nil
}

func (d *FileDevice) openWAV(f *os.File) (io.Reader, error) {
	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("invalid WAV source %s: %w", d.Path, err)
	}

	if !d.Format.Matches(decoder.Format()) || decoder.BitDepth != d.Format.BitsPerSample {
		return nil, fmt.Errorf("WAV source %s is %dch %dHz %dbit, capture format is %s",
			d.Path, decoder.NumChans, decoder.SampleRate, decoder.BitDepth, d.Format)
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("WAV source %s has no PCM data: %w", d.Path, err)
	}

	if d.logger != nil {
		d.logger.Debug("Replaying WAV source",
			slog.String("path", d.Path),
			slog.Int("data_bytes", decoder.PCMSize),
		)
	}

	return decoder.PCMChunk.R, nil
}

type fileStream struct {
	r        io.Reader
	closer   io.Closer
	realtime bool
	format   audio.AudioFormat
}

func (s *fileStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if s.realtime && n > 0 {
		time.Sleep(s.format.Duration(int64(n)))
	}
	return n, err
}

func (s *fileStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
