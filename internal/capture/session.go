package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/micapture/internal/audio"
	"github.com/skypro1111/micapture/internal/device"
)

// Capture defaults
const (
	DefaultChunkSize    = 1024
	DefaultTickInterval = 10 * time.Millisecond
	DefaultFileName     = "micapture-record.wav"
)

// State is the lifecycle state of a Session
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Result is the outcome of one recording, delivered once per Start
type Result struct {
	Path       string        `json:"path,omitempty"`
	Device     string        `json:"device"`
	DataLength int           `json:"data_length"`
	Chunks     uint64        `json:"chunks"`   // non-empty device reads appended
	Duration   time.Duration `json:"duration"` // derived from DataLength
	Elapsed    time.Duration `json:"elapsed"`  // wall clock ticks, diagnostic only
	FinishedAt time.Time     `json:"finished_at"`

	// Interrupted is set when the device failed mid-capture; the file is still valid
	Interrupted error `json:"-"`
	// Err is set when no file could be produced
	Err error `json:"-"`
}

// OK reports whether a WAV file was written
func (r Result) OK() bool {
	return r.Err == nil
}

// Observer receives lifecycle events, typically for metrics
type Observer interface {
	RecordingStarted()
	DeviceUnavailable()
	BytesCaptured(n int)
	RecordingFinished(result Result)
}

type nopObserver struct{}

func (nopObserver) RecordingStarted()        {}
func (nopObserver) DeviceUnavailable()       {}
func (nopObserver) BytesCaptured(int)        {}
func (nopObserver) RecordingFinished(Result) {}

// Option configures a Session
type Option func(*Session)

// WithOutputPath sets where finalized recordings are written
func WithOutputPath(path string) Option {
	return func(s *Session) { s.outputPath = path }
}

// WithChunkSize sets the size of each device read
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithTickInterval sets the elapsed-time tick period
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithFormat sets the PCM format written into the WAV header
func WithFormat(f audio.AudioFormat) Option {
	return func(s *Session) { s.format = f }
}

// WithHeaderLayout selects the WAV fmt chunk layout
func WithHeaderLayout(l audio.HeaderLayout) Option {
	return func(s *Session) { s.layout = l }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers lifecycle hooks
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithDispatcher sets how completion callbacks reach the owner's context
func WithDispatcher(d Dispatcher) Option {
	return func(s *Session) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// Session owns one recording lifecycle at a time: it opens the device, pulls audio on
// a background goroutine until Stop, and finalizes the captured bytes into a WAV file.
//
// Start and Stop never block on device I/O. The only state shared with the capture
// goroutine is the atomic cancel flag and counters; results come back through
// OnCompleted callbacks posted to the Dispatcher, or through Wait.
type Session struct {
	device       device.Device
	format       audio.AudioFormat
	layout       audio.HeaderLayout
	outputPath   string
	chunkSize    int
	tickInterval time.Duration
	logger       *slog.Logger
	observer     Observer
	dispatcher   Dispatcher
	ownDispatch  *SerialDispatcher

	mu         sync.Mutex
	state      State
	opening    bool
	lastResult *Result
	callbacks  []func(Result)
	done       chan struct{}

	cancel   atomic.Bool
	elapsed  atomic.Int64
	captured atomic.Int64
}

// NewSession creates an idle session reading from dev
func NewSession(dev device.Device, opts ...Option) *Session {
	s := &Session{
		device:       dev,
		format:       audio.DefaultFormat(),
		layout:       audio.LayoutCanonical,
		outputPath:   filepath.Join(os.TempDir(), DefaultFileName),
		chunkSize:    DefaultChunkSize,
		tickInterval: DefaultTickInterval,
		logger:       slog.Default(),
		observer:     nopObserver{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dispatcher == nil {
		s.ownDispatch = NewSerialDispatcher()
		s.dispatcher = s.ownDispatch
	}

	return s
}

// Start opens the device and begins recording. It is legal from Idle, Ready and
// Failed. A device that cannot be opened leaves the session untouched.
//
// The device is opened without holding the session lock, so status queries stay
// responsive; a concurrent Start during the open is ErrIllegalState.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state == StateRecording || s.state == StateFinalizing {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrIllegalState, state)
	}
	if s.opening {
		s.mu.Unlock()
		return fmt.Errorf("%w: start while opening device", ErrIllegalState)
	}
	s.opening = true
	s.mu.Unlock()

	stream, err := s.device.OpenStream()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opening = false

	if err != nil {
		s.observer.DeviceUnavailable()
		s.logger.Warn("Failed to open input device",
			slog.String("device", s.device.Name()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, s.device.Name(), err)
	}

	s.cancel.Store(false)
	s.elapsed.Store(0)
	s.captured.Store(0)
	s.state = StateRecording
	s.done = make(chan struct{})

	// one second of audio up front
	buffer := audio.NewCaptureBuffer(int(s.format.AvgBytesPerSec))
	stopTicker := make(chan struct{})

	go s.tick(stopTicker)
	go s.run(stream, buffer, stopTicker, s.done)

	s.observer.RecordingStarted()
	s.logger.Info("Recording started",
		slog.String("device", s.device.Name()),
		slog.String("format", s.format.String()),
		slog.Int("chunk_size", s.chunkSize),
		slog.String("output_path", s.outputPath),
	)

	return nil
}

// Stop asks the capture loop to finish. It returns immediately; the recording is
// finalized in the background. Stopping an already stopped session is a no-op,
// stopping a session that never started is ErrIllegalState.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		return fmt.Errorf("%w: stop while idle", ErrIllegalState)
	case StateRecording:
		if s.cancel.CompareAndSwap(false, true) {
			s.logger.Info("Stop requested",
				slog.Float64("elapsed_seconds", s.ElapsedSeconds()),
				slog.Int64("captured_bytes", s.captured.Load()),
			)
		}
	}
	return nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRecording reports whether the capture loop is running
func (s *Session) IsRecording() bool {
	return s.State() == StateRecording
}

// ElapsedSeconds is the wall-clock recording time, for display only
func (s *Session) ElapsedSeconds() float64 {
	return time.Duration(s.elapsed.Load()).Seconds()
}

// CapturedBytes is the number of PCM bytes accumulated by the current or last recording
func (s *Session) CapturedBytes() int64 {
	return s.captured.Load()
}

// Device returns the input device
func (s *Session) Device() device.Device {
	return s.device
}

// Format returns the capture format
func (s *Session) Format() audio.AudioFormat {
	return s.format
}

// CurrentOutputPath returns the last finalized file; valid only in Ready
func (s *Session) CurrentOutputPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady || s.lastResult == nil {
		return "", fmt.Errorf("%w: no finalized recording (state %s)", ErrIllegalState, s.state)
	}
	return s.lastResult.Path, nil
}

// LastResult returns the most recent recording result, if any
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastResult == nil {
		return Result{}, false
	}
	return *s.lastResult, true
}

// OnCompleted registers fn to receive every future Result via the Dispatcher
func (s *Session) OnCompleted(fn func(Result)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Wait blocks until the current recording is finalized or ctx is done
func (s *Session) Wait(ctx context.Context) (Result, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return Result{}, fmt.Errorf("%w: no recording started", ErrIllegalState)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	result, _ := s.LastResult()
	return result, nil
}

// Export copies the last finalized recording to dst
func (s *Session) Export(dst string) error {
	src, err := s.CurrentOutputPath()
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIO, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dst, err)
	}

	n, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: export to %s: %w", ErrIO, dst, err)
	}

	s.logger.Info("Recording exported",
		slog.String("source", src),
		slog.String("destination", dst),
		slog.Int64("bytes", n),
	)
	return nil
}

// Close stops any recording in progress, waits for it to finalize and releases the
// session's own dispatcher.
func (s *Session) Close() {
	if s.State() == StateRecording {
		s.Stop()
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}

	if s.ownDispatch != nil {
		s.ownDispatch.Close()
	}
}

// tick advances the elapsed counter until stop is closed
func (s *Session) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.elapsed.Add(int64(s.tickInterval))
		}
	}
}

// run is the capture goroutine: loop, finalize, publish
func (s *Session) run(stream device.Stream, buffer *audio.CaptureBuffer, stopTicker chan struct{}, done chan struct{}) {
	interrupted := s.captureLoop(stream, buffer)

	close(stopTicker)
	if err := stream.Close(); err != nil {
		s.logger.Warn("Error closing device stream", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.state = StateFinalizing
	s.mu.Unlock()

	buffer.Freeze()
	result := s.finalize(buffer)
	result.Interrupted = interrupted

	state := StateReady
	if result.Err != nil {
		state = StateFailed
	}

	s.mu.Lock()
	s.state = state
	s.lastResult = &result
	callbacks := slices.Clone(s.callbacks)
	close(done)
	s.mu.Unlock()

	s.observer.RecordingFinished(result)

	for _, cb := range callbacks {
		s.dispatcher.Post(func() { cb(result) })
	}
}

// captureLoop reads fixed-size chunks until cancelled, EOF, or a device error.
// Bytes returned by a read that completes after cancellation are discarded.
func (s *Session) captureLoop(stream device.Stream, buffer *audio.CaptureBuffer) error {
	scratch := make([]byte, s.chunkSize)

	for {
		n, err := stream.Read(scratch)

		if s.cancel.Load() {
			return nil
		}

		if n > 0 {
			if appendErr := buffer.Append(scratch[:n]); appendErr != nil {
				return appendErr
			}
			s.captured.Add(int64(n))
			s.observer.BytesCaptured(n)
		}

		if errors.Is(err, io.EOF) {
			s.logger.Info("Device stream ended",
				slog.String("device", s.device.Name()),
				slog.Int("captured_bytes", buffer.Len()),
			)
			return nil
		}

		if err != nil {
			s.logger.Error("Device stream failed, finalizing partial recording",
				slog.String("device", s.device.Name()),
				slog.Int("captured_bytes", buffer.Len()),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %w", ErrDeviceStream, err)
		}
	}
}

// finalize writes the frozen buffer next to the output path and renames it into place
// so a previous recording stays intact until the new one is complete.
func (s *Session) finalize(buffer *audio.CaptureBuffer) Result {
	pcm := buffer.Bytes()
	stats := buffer.GetStats()
	result := Result{
		Device:     s.device.Name(),
		DataLength: len(pcm),
		Chunks:     stats.Appends,
		Duration:   s.format.Duration(int64(len(pcm))),
		Elapsed:    time.Duration(s.elapsed.Load()),
	}

	fail := func(op string, err error) Result {
		result.Err = fmt.Errorf("%w: %s: %w", ErrIO, op, err)
		result.FinishedAt = time.Now()
		s.logger.Error("Failed to write recording",
			slog.String("output_path", s.outputPath),
			slog.String("error", result.Err.Error()),
		)
		return result
	}

	if err := os.MkdirAll(filepath.Dir(s.outputPath), 0o755); err != nil {
		return fail("create output directory", err)
	}

	tmp := s.outputPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fail("create "+tmp, err)
	}

	writeErr := audio.WriteWAVLayout(f, s.format, pcm, s.layout)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmp)
		return fail("write "+tmp, err)
	}

	if err := os.Rename(tmp, s.outputPath); err != nil {
		os.Remove(tmp)
		return fail("rename "+tmp, err)
	}

	result.Path = s.outputPath
	result.FinishedAt = time.Now()

	s.logger.Info("Recording finalized",
		slog.String("output_path", result.Path),
		slog.Int("data_length", result.DataLength),
		slog.Uint64("chunks", result.Chunks),
		slog.Time("last_append", stats.LastAppend),
		slog.Int("file_size", result.DataLength+audio.HeaderSize(s.layout)),
		slog.Duration("audio_duration", result.Duration),
		slog.Duration("elapsed", result.Elapsed),
	)

	return result
}
