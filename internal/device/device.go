package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/micapture/internal/audio"
)

// ErrUnavailable is wrapped by every backend when no input device can be opened
var ErrUnavailable = errors.New("input device unavailable")

// Stream is an open capture stream delivering raw little-endian PCM.
//
// Read returns n > 0 when audio was captured, (0, nil) when nothing is available yet
// (callers should simply read again), io.EOF when the stream ended naturally, and any
// other error on a hard device failure.
type Stream interface {
	Read(p []byte) (int, error)
	Close() error
}

// Device opens capture streams. Implementations must be safe to call OpenStream
// again after a previous stream was closed.
type Device interface {
	OpenStream() (Stream, error)
	Name() string
}

// Config selects and parameterizes a backend
type Config struct {
	Backend string
	Name    string // source / ALSA device / file path, backend specific

	BindAddress  string
	UDPPort      int
	Framing      string // udp datagram framing, raw or tlv
	BufferSize   int
	PollInterval time.Duration

	Realtime bool

	Format audio.AudioFormat
	Logger *slog.Logger
}

// Factory builds a Device from configuration
type Factory func(cfg Config) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("device: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("device: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// Backends returns the sorted names of registered backends
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the device selected by cfg.Backend
func New(cfg Config) (Device, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Backend]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown device backend %q (available: %v)", cfg.Backend, Backends())
	}

	if cfg.Format == (audio.AudioFormat{}) {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return factory(cfg)
}

func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, backend, err)
}
