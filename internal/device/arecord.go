package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

func init() {
	Register("arecord", func(cfg Config) (Device, error) {
		if cfg.Format.BitsPerSample != 16 {
			return nil, fmt.Errorf("arecord backend records S16_LE only, got %s", cfg.Format)
		}
		return &ArecordDevice{
			Binary:     "arecord",
			ALSADevice: cfg.Name,
			SampleRate: int(cfg.Format.SampleRate),
			Channels:   int(cfg.Format.Channels),
			logger:     cfg.Logger,
		}, nil
	})
}

// ArecordDevice captures through the ALSA arecord utility writing raw S16_LE to stdout
type ArecordDevice struct {
	Binary     string
	ALSADevice string // e.g. "plughw:1"; empty uses the ALSA default
	SampleRate int
	Channels   int
	logger     *slog.Logger
}

// Name implements Device
func (d *ArecordDevice) Name() string {
	if d.ALSADevice == "" {
		return "arecord:default"
	}
	return "arecord:" + d.ALSADevice
}

func (d *ArecordDevice) args() []string {
	args := []string{"-q", "-t", "raw", "-f", "S16_LE",
		"-r", strconv.Itoa(d.SampleRate),
		"-c", strconv.Itoa(d.Channels),
	}
	if d.ALSADevice != "" {
		args = append([]string{"-D", d.ALSADevice}, args...)
	}
	return args
}

// OpenStream spawns arecord; a missing binary or a failed start means no device
func (d *ArecordDevice) OpenStream() (Stream, error) {
	path, err := exec.LookPath(d.Binary)
	if err != nil {
		return nil, unavailable("arecord", err)
	}

	cmd := exec.Command(path, d.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, unavailable("arecord", err)
	}
	s := &arecordStream{cmd: cmd, stdout: stdout}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, unavailable("arecord", err)
	}

	if d.logger != nil {
		d.logger.Debug("arecord started",
			slog.String("path", path),
			slog.Int("pid", cmd.Process.Pid),
			slog.String("device", d.Name()),
		)
	}

	return s, nil
}

type arecordStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

func (s *arecordStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		// a non-zero exit before Close is a device failure
		if waitErr := s.wait(); waitErr != nil {
			return n, fmt.Errorf("arecord exited: %w: %s", waitErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	}
	return n, err
}

func (s *arecordStream) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
	})
	return s.closeErr
}

func (s *arecordStream) Close() error {
	if s.cmd.ProcessState == nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed by us
		return nil
	}
	return err
}
