package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/micapture/internal/audio"
	"github.com/skypro1111/micapture/internal/device"
)

// step is one scripted Read result. If wait is set, Read blocks until it is closed.
type step struct {
	n    int
	err  error
	wait chan struct{}
}

// scriptedDevice hands out one script per OpenStream call
type scriptedDevice struct {
	mu      sync.Mutex
	openErr error
	scripts [][]step
	opens   int
}

func (d *scriptedDevice) Name() string { return "scripted" }

func (d *scriptedDevice) OpenStream() (device.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	var steps []step
	if d.opens < len(d.scripts) {
		steps = d.scripts[d.opens]
	}
	d.opens++
	return &scriptedStream{steps: steps}, nil
}

func (d *scriptedDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// scriptedStream fills each read with the 1-based step number
type scriptedStream struct {
	steps []step
	pos   int
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.pos >= len(s.steps) {
		return 0, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++

	if st.wait != nil {
		<-st.wait
	}

	n := min(st.n, len(p))
	for i := 0; i < n; i++ {
		p[i] = byte(s.pos)
	}
	return n, st.err
}

func (s *scriptedStream) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// syncDispatch runs callbacks on the capture goroutine
var syncDispatch = DispatcherFunc(func(fn func()) { fn() })

func newTestSession(t *testing.T, dev device.Device, opts ...Option) (*Session, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "record.wav")
	opts = append([]Option{
		WithOutputPath(path),
		WithLogger(testLogger()),
		WithDispatcher(syncDispatch),
	}, opts...)

	s := NewSession(dev, opts...)
	t.Cleanup(s.Close)
	return s, path
}

func waitResult(t *testing.T, s *Session) Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecordingWritesCapturedBytes(t *testing.T) {
	release := make(chan struct{})
	dev := &scriptedDevice{scripts: [][]step{{
		{n: 1024},
		{n: 1024},
		{n: 500},
		{n: 1024, wait: release}, // completes after Stop, must be discarded
	}}}

	s, path := newTestSession(t, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRecording() {
		t.Error("Expected session to be recording")
	}

	waitFor(t, "2548 captured bytes", func() bool { return s.CapturedBytes() == 2548 })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(release)

	result := waitResult(t, s)

	if result.Err != nil {
		t.Fatalf("Expected successful result, got %v", result.Err)
	}
	if result.Interrupted != nil {
		t.Errorf("Expected no interruption, got %v", result.Interrupted)
	}
	if result.DataLength != 2548 {
		t.Errorf("Expected data length 2548, got %d", result.DataLength)
	}
	if result.Path != path {
		t.Errorf("Expected path %s, got %s", path, result.Path)
	}
	if s.State() != StateReady {
		t.Errorf("Expected state ready, got %s", s.State())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if len(data) != 2592 {
		t.Errorf("Expected file size 2592, got %d", len(data))
	}

	header, pcm, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if header.RIFFSize != 2584 {
		t.Errorf("Expected RIFF size 2584, got %d", header.RIFFSize)
	}
	if header.DataLength != 2548 {
		t.Errorf("Expected data chunk size 2548, got %d", header.DataLength)
	}
	if header.Format.SampleRate != 16000 || header.Format.Channels != 1 || header.Format.BitsPerSample != 16 {
		t.Errorf("Unexpected format %s", header.Format)
	}
	if header.Format.AvgBytesPerSec != 32000 || header.Format.BlockAlign != 2 {
		t.Errorf("Expected byte rate 32000 and block align 2, got %d and %d",
			header.Format.AvgBytesPerSec, header.Format.BlockAlign)
	}

	want := append(append(bytes.Repeat([]byte{1}, 1024), bytes.Repeat([]byte{2}, 1024)...), bytes.Repeat([]byte{3}, 500)...)
	if !bytes.Equal(pcm, want) {
		t.Error("PCM payload does not match the captured reads in order")
	}

	got, err := s.CurrentOutputPath()
	if err != nil || got != path {
		t.Errorf("Expected output path %s, got %s (%v)", path, got, err)
	}
}

func TestIdleReadsAreSkipped(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{{
		{n: 0},
		{n: 100},
		{n: 0},
		{n: 0},
		{n: 200},
	}}}

	s, _ := newTestSession(t, dev)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// script ends in EOF, so the session finishes without Stop
	result := waitResult(t, s)
	if result.DataLength != 300 {
		t.Errorf("Expected data length 300, got %d", result.DataLength)
	}
	if result.Chunks != 2 {
		t.Errorf("Expected 2 appended chunks, got %d", result.Chunks)
	}
	if s.State() != StateReady {
		t.Errorf("Expected state ready, got %s", s.State())
	}
}

func TestStartWhileRecordingIsIllegal(t *testing.T) {
	release := make(chan struct{})
	dev := &scriptedDevice{scripts: [][]step{{{n: 1024, wait: release}}}}

	s, _ := newTestSession(t, dev)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := s.Start()
	if !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState, got %v", err)
	}
	if dev.openCount() != 1 {
		t.Errorf("Expected device opened once, got %d", dev.openCount())
	}
	if !s.IsRecording() {
		t.Error("First recording should be unaffected")
	}

	s.Stop()
	close(release)
	waitResult(t, s)
}

// gatedDevice blocks OpenStream until release is closed
type gatedDevice struct {
	*scriptedDevice
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDevice) OpenStream() (device.Stream, error) {
	close(d.entered)
	<-d.release
	return d.scriptedDevice.OpenStream()
}

func TestSlowOpenDoesNotBlockQueries(t *testing.T) {
	dev := &gatedDevice{
		scriptedDevice: &scriptedDevice{scripts: [][]step{{{n: 100}}}},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}

	s, _ := newTestSession(t, dev)

	started := make(chan error, 1)
	go func() { started <- s.Start() }()
	<-dev.entered

	queried := make(chan State, 1)
	go func() { queried <- s.State() }()

	select {
	case state := <-queried:
		if state != StateIdle {
			t.Errorf("Expected state idle while opening, got %s", state)
		}
	case <-time.After(2 * time.Second):
		close(dev.release)
		t.Fatal("State blocked while the device was opening")
	}

	if err := s.Start(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState for a second Start during open, got %v", err)
	}

	close(dev.release)
	if err := <-started; err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := waitResult(t, s)
	if result.DataLength != 100 {
		t.Errorf("Expected data length 100, got %d", result.DataLength)
	}
	if dev.openCount() != 1 {
		t.Errorf("Expected one device open, got %d", dev.openCount())
	}
}

func TestStopWhileIdleIsIllegal(t *testing.T) {
	s, _ := newTestSession(t, &scriptedDevice{})

	if err := s.Stop(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("Expected state idle, got %s", s.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	dev := &scriptedDevice{scripts: [][]step{{{n: 400}, {n: 1024, wait: release}}}}

	var mu sync.Mutex
	completions := 0

	s, path := newTestSession(t, dev)
	s.OnCompleted(func(Result) {
		mu.Lock()
		completions++
		mu.Unlock()
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first read", func() bool { return s.CapturedBytes() == 400 })

	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop %d failed: %v", i, err)
		}
	}
	close(release)
	waitResult(t, s)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	modTime := info.ModTime()

	if err := s.Stop(); err != nil {
		t.Errorf("Stop after finalize should be a no-op, got %v", err)
	}

	info, _ = os.Stat(path)
	if !info.ModTime().Equal(modTime) || info.Size() != 444 {
		t.Error("Output file changed after a redundant Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if completions != 1 {
		t.Errorf("Expected exactly one completion, got %d", completions)
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	dev := &scriptedDevice{openErr: errors.New("no such device")}

	s, path := newTestSession(t, dev)

	err := s.Start()
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("Expected state idle, got %s", s.State())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected no output file")
	}
	if _, err := s.Wait(context.Background()); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState from Wait, got %v", err)
	}
}

func TestDeviceErrorFinalizesPartialRecording(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{{
		{n: 1024},
		{n: 0, err: errors.New("usb unplugged")},
	}}}

	s, path := newTestSession(t, dev)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := waitResult(t, s)

	if !errors.Is(result.Interrupted, ErrDeviceStream) {
		t.Errorf("Expected ErrDeviceStream interruption, got %v", result.Interrupted)
	}
	if result.Err != nil {
		t.Errorf("Expected file to be written, got %v", result.Err)
	}
	if result.DataLength != 1024 {
		t.Errorf("Expected data length 1024, got %d", result.DataLength)
	}
	if s.State() != StateReady {
		t.Errorf("Expected state ready, got %s", s.State())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if err := audio.ValidateWAV(data); err != nil {
		t.Errorf("Partial recording is not a valid WAV: %v", err)
	}
}

func TestUnwritableOutputFails(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("Failed to create blocker: %v", err)
	}

	dev := &scriptedDevice{scripts: [][]step{{{n: 64}}}}
	s, _ := newTestSession(t, dev, WithOutputPath(filepath.Join(blocker, "record.wav")))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := waitResult(t, s)
	if !errors.Is(result.Err, ErrIO) {
		t.Errorf("Expected ErrIO, got %v", result.Err)
	}
	if s.State() != StateFailed {
		t.Errorf("Expected state failed, got %s", s.State())
	}
	if _, err := s.CurrentOutputPath(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState for output path, got %v", err)
	}
}

func TestRecordAgainReplacesFile(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{
		{{n: 1000}},
		{{n: 200}, {n: 200}},
	}}

	s, path := newTestSession(t, dev)

	if err := s.Start(); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	first := waitResult(t, s)

	if err := s.Start(); err != nil {
		t.Fatalf("Start from ready failed: %v", err)
	}
	second := waitResult(t, s)

	if first.DataLength != 1000 || second.DataLength != 400 {
		t.Errorf("Expected data lengths 1000 and 400, got %d and %d", first.DataLength, second.DataLength)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary file left behind")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 444 {
		t.Errorf("Expected replaced file of 444 bytes, got %d", info.Size())
	}
}

func TestEmptyRecording(t *testing.T) {
	release := make(chan struct{})
	dev := &scriptedDevice{scripts: [][]step{{{n: 1024, wait: release}}}}

	s, path := newTestSession(t, dev)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()
	close(release)

	result := waitResult(t, s)
	if result.DataLength != 0 {
		t.Errorf("Expected empty recording, got %d bytes", result.DataLength)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if len(data) != 44 {
		t.Errorf("Expected header-only file of 44 bytes, got %d", len(data))
	}
}

func TestWaveFormatExLayout(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{{{n: 100}}}}
	s, path := newTestSession(t, dev, WithHeaderLayout(audio.LayoutWaveFormatEx))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitResult(t, s)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if len(data) != 146 {
		t.Errorf("Expected 146 bytes, got %d", len(data))
	}
}

func TestCompletionDispatched(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{{{n: 320}}}}

	dispatcher := NewSerialDispatcher()
	defer dispatcher.Close()

	s, path := newTestSession(t, dev, WithDispatcher(dispatcher))

	got := make(chan Result, 1)
	s.OnCompleted(func(r Result) { got <- r })

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case r := <-got:
		if r.Path != path || r.DataLength != 320 {
			t.Errorf("Unexpected result %+v", r)
		}
		if r.Duration != 10*time.Millisecond {
			t.Errorf("Expected duration 10ms, got %v", r.Duration)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Completion was never dispatched")
	}
}

func TestElapsedAdvancesWhileRecording(t *testing.T) {
	release := make(chan struct{})
	dev := &scriptedDevice{scripts: [][]step{{{n: 0, wait: release}}}}

	s, _ := newTestSession(t, dev, WithTickInterval(time.Millisecond))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "elapsed ticks", func() bool { return s.ElapsedSeconds() >= 0.005 })

	s.Stop()
	close(release)
	result := waitResult(t, s)

	if result.Elapsed < 5*time.Millisecond {
		t.Errorf("Expected elapsed of at least 5ms, got %v", result.Elapsed)
	}
	if result.Duration != 0 {
		t.Errorf("Audio duration must come from captured bytes, got %v", result.Duration)
	}
}

func TestExport(t *testing.T) {
	dev := &scriptedDevice{scripts: [][]step{{{n: 256}}}}
	s, path := newTestSession(t, dev)

	dst := filepath.Join(t.TempDir(), "saved.wav")
	if err := s.Export(dst); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Expected ErrIllegalState before recording, got %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitResult(t, s)

	if err := s.Export(dst); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	original, _ := os.ReadFile(path)
	exported, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("Failed to read export: %v", err)
	}
	if !bytes.Equal(original, exported) {
		t.Error("Exported file differs from the recording")
	}
}

type countingObserver struct {
	mu          sync.Mutex
	started     int
	unavailable int
	bytes       int
	finished    []Result
}

func (o *countingObserver) RecordingStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) DeviceUnavailable() {
	o.mu.Lock()
	o.unavailable++
	o.mu.Unlock()
}

func (o *countingObserver) BytesCaptured(n int) {
	o.mu.Lock()
	o.bytes += n
	o.mu.Unlock()
}

func (o *countingObserver) RecordingFinished(r Result) {
	o.mu.Lock()
	o.finished = append(o.finished, r)
	o.mu.Unlock()
}

func TestObserverEvents(t *testing.T) {
	obs := &countingObserver{}
	dev := &scriptedDevice{scripts: [][]step{{{n: 100}, {n: 50}}}}

	s, _ := newTestSession(t, dev, WithObserver(obs))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitResult(t, s)

	obs.mu.Lock()
	defer obs.mu.Unlock()

	if obs.started != 1 {
		t.Errorf("Expected 1 start, got %d", obs.started)
	}
	if obs.bytes != 150 {
		t.Errorf("Expected 150 bytes observed, got %d", obs.bytes)
	}
	if len(obs.finished) != 1 || obs.finished[0].DataLength != 150 {
		t.Errorf("Expected one finished recording of 150 bytes, got %+v", obs.finished)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRecording, "recording"},
		{StateFinalizing, "finalizing"},
		{StateReady, "ready"},
		{StateFailed, "failed"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
