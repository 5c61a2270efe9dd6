package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/riff"
)

// HeaderLayout selects the fmt chunk flavour written by the encoder
type HeaderLayout int

const (
	// LayoutCanonical writes the 16-byte PCMWAVEFORMAT fmt chunk (44-byte header)
	LayoutCanonical HeaderLayout = iota
	// LayoutWaveFormatEx writes the 18-byte WAVEFORMATEX fmt chunk with cbSize=0 (46-byte header)
	LayoutWaveFormatEx
)

const (
	fmtChunkSizeCanonical   = 16
	fmtChunkSizeWaveFormatX = 18

	// riff header (12) + fmt chunk header (8) + data chunk header (8)
	chunkOverhead = 28

	// MaxDataLength is the largest payload a 32-bit RIFF size field can describe
	MaxDataLength = math.MaxUint32 - chunkOverhead - fmtChunkSizeWaveFormatX
)

// ParseHeaderLayout maps a config string onto a layout
func ParseHeaderLayout(s string) (HeaderLayout, error) {
	switch s {
	case "", "canonical":
		return LayoutCanonical, nil
	case "waveformatex":
		return LayoutWaveFormatEx, nil
	default:
		return LayoutCanonical, fmt.Errorf("unknown header layout %q (want canonical or waveformatex)", s)
	}
}

func (l HeaderLayout) String() string {
	switch l {
	case LayoutCanonical:
		return "canonical"
	case LayoutWaveFormatEx:
		return "waveformatex"
	default:
		return fmt.Sprintf("HeaderLayout(%d)", int(l))
	}
}

func (l HeaderLayout) fmtChunkSize() uint32 {
	if l == LayoutWaveFormatEx {
		return fmtChunkSizeWaveFormatX
	}
	return fmtChunkSizeCanonical
}

// HeaderSize returns the number of bytes preceding the PCM payload
func HeaderSize(layout HeaderLayout) int {
	return chunkOverhead + int(layout.fmtChunkSize())
}

// Header holds the parsed fields of a WAV container header
type Header struct {
	RIFFSize     uint32      `json:"riff_size"`
	FmtChunkSize uint32      `json:"fmt_chunk_size"`
	Format       AudioFormat `json:"format"`
	ExtraSize    uint16      `json:"extra_size"`
	DataLength   uint32      `json:"data_length"`
}

// EncodeHeader serializes the container header for dataLength payload bytes.
// The RIFF size field always equals the total file size minus 8.
func EncodeHeader(format AudioFormat, dataLength int, layout HeaderLayout) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio format: %w", err)
	}
	if dataLength < 0 || int64(dataLength) > MaxDataLength {
		return nil, fmt.Errorf("data length %d out of range for a RIFF container", dataLength)
	}

	fmtSize := layout.fmtChunkSize()
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize(layout)))

	fields := []any{
		riff.RiffID,
		uint32(dataLength) + 4 + 8 + fmtSize + 8,
		riff.WavFormatID,
		riff.FmtID,
		fmtSize,
		format.Tag,
		format.Channels,
		format.SampleRate,
		format.AvgBytesPerSec,
		format.BlockAlign,
		format.BitsPerSample,
	}
	if layout == LayoutWaveFormatEx {
		fields = append(fields, uint16(0))
	}
	fields = append(fields, riff.DataFormatID, uint32(dataLength))

	for _, field := range fields {
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("failed to encode WAV header: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// WriteWAV writes a canonical PCM WAV file (44-byte header followed by pcm) to w.
// Recorders that emit a WAVEFORMATEX fmt chunk with cbSize=0 correspond to
// WriteWAVLayout with LayoutWaveFormatEx (46-byte header).
func WriteWAV(w io.Writer, format AudioFormat, pcm []byte) error {
	return WriteWAVLayout(w, format, pcm, LayoutCanonical)
}

// WriteWAVLayout writes the header as a single write, then the payload verbatim.
// On error the sink holds an undefined partial file and must be discarded.
func WriteWAVLayout(w io.Writer, format AudioFormat, pcm []byte, layout HeaderLayout) error {
	header, err := EncodeHeader(format, len(pcm), layout)
	if err != nil {
		return err
	}

	if err := writeFull(w, header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := writeFull(w, pcm); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	return nil
}

func writeFull(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// EncodeWAV returns a complete in-memory WAV file for pcm
func EncodeWAV(format AudioFormat, pcm []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize(LayoutCanonical)+len(pcm)))
	if err := WriteWAV(buf, format, pcm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseHeader reads a WAV header from r, leaving r positioned at the first PCM byte.
// Unknown chunks between fmt and data are skipped.
func ParseHeader(r io.Reader) (Header, error) {
	var h Header
	parser := riff.New(r)

	id, size, err := parser.IDnSize()
	if err != nil {
		return h, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if id != riff.RiffID {
		return h, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	h.RIFFSize = size

	var format [4]byte
	if _, err := io.ReadFull(r, format[:]); err != nil {
		return h, fmt.Errorf("failed to read RIFF format: %w", err)
	}
	if format != riff.WavFormatID {
		return h, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	sawFmt := false
	for {
		id, size, err := parser.IDnSize()
		if err != nil {
			if !sawFmt {
				return h, fmt.Errorf("invalid WAV file: missing fmt chunk: %w", err)
			}
			return h, fmt.Errorf("invalid WAV file: missing data chunk: %w", err)
		}

		switch id {
		case riff.FmtID:
			chunk := &riff.Chunk{ID: id, Size: int(size), R: io.LimitReader(r, int64(size))}
			if err := decodeFmtChunk(chunk, &h); err != nil {
				return h, err
			}
			if _, err := io.Copy(io.Discard, chunk.R); err != nil {
				return h, fmt.Errorf("failed to drain fmt chunk: %w", err)
			}
			// odd-sized chunks carry a pad byte
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return h, fmt.Errorf("failed to skip fmt padding: %w", err)
				}
			}
			sawFmt = true

		case riff.DataFormatID:
			if !sawFmt {
				return h, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			h.DataLength = size
			return h, nil

		default:
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return h, fmt.Errorf("failed to skip %s chunk: %w", string(id[:]), err)
			}
		}
	}
}

func decodeFmtChunk(chunk *riff.Chunk, h *Header) error {
	if chunk.Size < fmtChunkSizeCanonical {
		return fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", chunk.Size)
	}
	h.FmtChunkSize = uint32(chunk.Size)

	fields := []any{
		&h.Format.Tag,
		&h.Format.Channels,
		&h.Format.SampleRate,
		&h.Format.AvgBytesPerSec,
		&h.Format.BlockAlign,
		&h.Format.BitsPerSample,
	}
	for _, field := range fields {
		if err := chunk.ReadLE(field); err != nil {
			return fmt.Errorf("failed to read fmt chunk: %w", err)
		}
	}

	if chunk.Size >= fmtChunkSizeWaveFormatX {
		if err := chunk.ReadLE(&h.ExtraSize); err != nil {
			return fmt.Errorf("failed to read fmt extension size: %w", err)
		}
	}

	return nil
}

// DecodeWAV parses data and returns its header and PCM payload
func DecodeWAV(data []byte) (Header, []byte, error) {
	reader := bytes.NewReader(data)
	header, err := ParseHeader(reader)
	if err != nil {
		return header, nil, err
	}

	offset := len(data) - reader.Len()
	end := offset + int(header.DataLength)
	if end > len(data) {
		return header, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, %d available",
			header.DataLength, len(data)-offset)
	}

	return header, data[offset:end], nil
}

// ValidateWAV validates a WAV file header and payload length without copying audio
func ValidateWAV(data []byte) error {
	header, _, err := DecodeWAV(data)
	if err != nil {
		return err
	}
	if err := header.Format.Validate(); err != nil {
		return fmt.Errorf("invalid WAV format: %w", err)
	}
	if want := uint32(len(data) - 8); header.RIFFSize != want {
		return fmt.Errorf("RIFF size %d does not match file size - 8 = %d", header.RIFFSize, want)
	}
	return nil
}

// WAVInfo describes a WAV file for status and inspection output
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
	HeaderSize    int     `json:"header_size_bytes"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	reader := bytes.NewReader(data)
	header, err := ParseHeader(reader)
	if err != nil {
		return nil, err
	}
	if header.Format.BlockAlign == 0 || header.Format.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV format: zero block align or sample rate")
	}

	numSamples := header.DataLength / uint32(header.Format.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.Format.SampleRate,
		Channels:      header.Format.Channels,
		BitsPerSample: header.Format.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.Format.SampleRate),
		DataSize:      header.DataLength,
		NumSamples:    numSamples,
		HeaderSize:    len(data) - reader.Len(),
	}, nil
}
