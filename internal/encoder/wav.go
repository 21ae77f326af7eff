package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/audiolibrelab/stereorec/internal/audio"
)

var (
	// ErrDegenerate marks a flush with nothing to encode. Callers skip it
	// silently.
	ErrDegenerate = errors.New("degenerate flush: no samples")

	// ErrTooLarge is returned when the data chunk would not fit the 32-bit
	// RIFF size fields.
	ErrTooLarge = errors.New("wav data exceeds 4 GiB")
)

// HeaderSize is the length of the canonical PCM WAV header.
const HeaderSize = 44

const (
	wavScale = 32767
	// pcmScale overflows int16 near full scale; values wrap. Consumers of
	// the raw stream depend on this scale.
	pcmScale = 65535
	volume   = 1.0
)

// Header is the canonical 44-byte RIFF/WAVE header for 16-bit PCM. Field
// order matches the on-disk layout.
type Header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// NewHeader builds the header for dataSize bytes of 16-bit samples.
func NewHeader(channels, sampleRate, dataSize int) (Header, error) {
	if channels != 1 && channels != 2 {
		return Header{}, fmt.Errorf("%w: channel count must be 1 or 2, got %d", audio.ErrInvalidInput, channels)
	}
	if sampleRate <= 0 {
		return Header{}, fmt.Errorf("%w: sample rate must be positive, got %d", audio.ErrInvalidInput, sampleRate)
	}
	if dataSize < 0 || uint64(dataSize)+36 > math.MaxUint32 {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, dataSize)
	}
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}, nil
}

// ParseHeader decodes and checks the first 44 bytes of a canonical WAV
// buffer.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: wav buffer is %d bytes, need %d", audio.ErrInvalidInput, len(b), HeaderSize)
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, err
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return h, fmt.Errorf("%w: missing RIFF tag", audio.ErrInvalidInput)
	case string(h.Format[:]) != "WAVE":
		return h, fmt.Errorf("%w: missing WAVE tag", audio.ErrInvalidInput)
	case string(h.Subchunk1ID[:]) != "fmt ":
		return h, fmt.Errorf("%w: missing fmt chunk", audio.ErrInvalidInput)
	case string(h.Subchunk2ID[:]) != "data":
		return h, fmt.Errorf("%w: missing data chunk", audio.ErrInvalidInput)
	}
	return h, nil
}

// quantize scales s and rounds half away from zero. Out-of-range results
// wrap through the integer conversion rather than saturate.
func quantize(s float32, scale float64) uint16 {
	return uint16(int16(int64(math.Round(float64(s) * scale))))
}

// EncodeWAV packs interleaved samples into a WAV buffer of
// HeaderSize + 2*len(samples) bytes.
func EncodeWAV(samples []float32, channels, sampleRate int) ([]byte, error) {
	h, err := NewHeader(channels, sampleRate, 2*len(samples))
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+2*len(samples)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, quantize(s, wavScale*volume))
	}
	return out, nil
}

// EncodePCM packs interleaved samples as headerless 16-bit little-endian.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, 0, 2*len(samples))
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, quantize(s, pcmScale))
	}
	return out
}
