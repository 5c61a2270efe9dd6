package audio

import (
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
)

// FormatTagPCM is the WAVE_FORMAT_PCM tag
const FormatTagPCM uint16 = 1

// Fixed capture parameters
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// AudioFormat describes an uncompressed PCM stream. Values are immutable once built
// with NewPCMFormat; derived fields are always consistent with the primary ones.
type AudioFormat struct {
	Tag            uint16 `json:"format_tag"`
	Channels       uint16 `json:"channels"`
	SampleRate     uint32 `json:"sample_rate"`
	AvgBytesPerSec uint32 `json:"avg_bytes_per_sec"`
	BlockAlign     uint16 `json:"block_align"`
	BitsPerSample  uint16 `json:"bits_per_sample"`
}

// NewPCMFormat builds a PCM format and derives block alignment and byte rate
func NewPCMFormat(channels, sampleRate, bitsPerSample int) (AudioFormat, error) {
	if channels < 1 || channels > 0xffff {
		return AudioFormat{}, fmt.Errorf("channels out of range: %d", channels)
	}
	if sampleRate < 1 {
		return AudioFormat{}, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if bitsPerSample < 8 || bitsPerSample%8 != 0 {
		return AudioFormat{}, fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", bitsPerSample)
	}

	blockAlign := channels * bitsPerSample / 8
	return AudioFormat{
		Tag:            FormatTagPCM,
		Channels:       uint16(channels),
		SampleRate:     uint32(sampleRate),
		AvgBytesPerSec: uint32(sampleRate * blockAlign),
		BlockAlign:     uint16(blockAlign),
		BitsPerSample:  uint16(bitsPerSample),
	}, nil
}

// DefaultFormat returns mono 16 kHz 16-bit PCM (block align 2, 32000 bytes/s)
func DefaultFormat() AudioFormat {
	return AudioFormat{
		Tag:            FormatTagPCM,
		Channels:       DefaultChannels,
		SampleRate:     DefaultSampleRate,
		AvgBytesPerSec: DefaultSampleRate * DefaultChannels * DefaultBitsPerSample / 8,
		BlockAlign:     DefaultChannels * DefaultBitsPerSample / 8,
		BitsPerSample:  DefaultBitsPerSample,
	}
}

// Validate checks the PCM invariants
func (f AudioFormat) Validate() error {
	if f.Tag != FormatTagPCM {
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", f.Tag)
	}
	if f.Channels == 0 {
		return fmt.Errorf("channel count must be positive")
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid bits per sample: %d", f.BitsPerSample)
	}
	if want := f.Channels * f.BitsPerSample / 8; f.BlockAlign != want {
		return fmt.Errorf("block align %d does not match channels*bits/8 = %d", f.BlockAlign, want)
	}
	if want := f.SampleRate * uint32(f.BlockAlign); f.AvgBytesPerSec != want {
		return fmt.Errorf("avg bytes/sec %d does not match sample_rate*block_align = %d", f.AvgBytesPerSec, want)
	}
	return nil
}

// Duration converts a PCM byte count into playback time
func (f AudioFormat) Duration(n int64) time.Duration {
	if f.AvgBytesPerSec == 0 || n <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(f.AvgBytesPerSec))
}

// Matches reports whether a go-audio format describes the same channel layout and rate
func (f AudioFormat) Matches(other *goaudio.Format) bool {
	if other == nil {
		return false
	}
	return other.NumChannels == int(f.Channels) && other.SampleRate == int(f.SampleRate)
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("pcm %dch %dHz %dbit", f.Channels, f.SampleRate, f.BitsPerSample)
}
