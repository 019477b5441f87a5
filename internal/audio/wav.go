package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// WAVHeaderSize is the size of the canonical PCM WAV header.
const WAVHeaderSize = 44

const wavFormatPCM = 1

// wavHeader is the canonical 44-byte RIFF/WAVE header: a RIFF chunk holding
// one 16-byte fmt chunk followed directly by the data chunk.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// WAVFormat describes the interleaved PCM data carried in a WAV file
type WAVFormat struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// BlockAlign returns the size of one frame in bytes
func (f WAVFormat) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f WAVFormat) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d", f.BitsPerSample)
	}
	return nil
}

// EncodeWAV wraps interleaved little-endian PCM bytes in a WAV container
func EncodeWAV(data []byte, format WAVFormat) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}
	if err := format.validate(); err != nil {
		return nil, err
	}
	align := format.BlockAlign()
	if len(data)%align != 0 {
		return nil, fmt.Errorf("audio data length %d is not a whole number of %d-byte frames", len(data), align)
	}

	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(WAVHeaderSize - 8 + len(data)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   wavFormatPCM,
		Channels:      uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * align),
		BlockAlign:    uint16(align),
		BitsPerSample: uint16(format.BitsPerSample),
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(data)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// readHeader parses and checks the chunk layout of a canonical WAV file.
func readHeader(data []byte) (wavHeader, error) {
	var h wavHeader
	if len(data) < WAVHeaderSize {
		return h, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(h.RIFF[:]) != "RIFF":
		return h, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(h.WAVE[:]) != "WAVE":
		return h, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(h.FmtID[:]) != "fmt ":
		return h, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(h.DataID[:]) != "data":
		return h, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return h, nil
}

func (h wavHeader) format() WAVFormat {
	return WAVFormat{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.Channels),
		BitsPerSample: int(h.BitsPerSample),
	}
}

// ValidateWAV checks the header of a WAV file without touching the samples
func ValidateWAV(data []byte) error {
	_, err := readHeader(data)
	return err
}

// DecodeWAV returns the raw PCM bytes and format of a WAV file
func DecodeWAV(data []byte) ([]byte, WAVFormat, error) {
	h, err := readHeader(data)
	if err != nil {
		return nil, WAVFormat{}, err
	}
	if h.AudioFormat != wavFormatPCM {
		return nil, WAVFormat{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	}

	format := h.format()
	if err := format.validate(); err != nil {
		return nil, WAVFormat{}, err
	}
	if h.DataSize == 0 {
		return nil, WAVFormat{}, fmt.Errorf("no audio data found")
	}

	end := WAVHeaderSize + int(h.DataSize)
	if end > len(data) {
		return nil, WAVFormat{}, fmt.Errorf("WAV data truncated: header declares %d bytes, have %d",
			h.DataSize, len(data)-WAVHeaderSize)
	}

	out := make([]byte, h.DataSize)
	copy(out, data[WAVHeaderSize:end])
	return out, format, nil
}

// WAVInfo summarises a WAV file
type WAVInfo struct {
	WAVFormat
	DataBytes int           `json:"data_bytes"`
	Frames    int           `json:"frames"`
	Duration  time.Duration `json:"duration"`
}

// GetWAVInfo reads the format and length of a WAV file from its header
func GetWAVInfo(data []byte) (WAVInfo, error) {
	h, err := readHeader(data)
	if err != nil {
		return WAVInfo{}, err
	}
	format := h.format()
	if err := format.validate(); err != nil {
		return WAVInfo{}, err
	}

	frames := int(h.DataSize) / format.BlockAlign()
	return WAVInfo{
		WAVFormat: format,
		DataBytes: int(h.DataSize),
		Frames:    frames,
		Duration:  time.Duration(frames) * time.Second / time.Duration(format.SampleRate),
	}, nil
}
