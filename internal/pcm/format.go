package pcm

import (
	"fmt"
	"sort"
	"strings"
)

// Format is a PCM sample format. Values follow the SNDRV_PCM_FORMAT_*
// numbering so masks built from them line up with ALSA's format bits.
type Format int32

const (
	FormatS8      Format = 0
	FormatU8      Format = 1
	FormatS16LE   Format = 2
	FormatS16BE   Format = 3
	FormatU16LE   Format = 4
	FormatU16BE   Format = 5
	FormatS24LE   Format = 6
	FormatS24BE   Format = 7
	FormatS32LE   Format = 10
	FormatS32BE   Format = 11
	FormatFloatLE Format = 14
	FormatFloatBE Format = 15
	FormatS24_3LE Format = 32
)

var formatNames = map[Format]string{
	FormatS8:      "S8",
	FormatU8:      "U8",
	FormatS16LE:   "S16_LE",
	FormatS16BE:   "S16_BE",
	FormatU16LE:   "U16_LE",
	FormatU16BE:   "U16_BE",
	FormatS24LE:   "S24_LE",
	FormatS24BE:   "S24_BE",
	FormatS32LE:   "S32_LE",
	FormatS32BE:   "S32_BE",
	FormatFloatLE: "FLOAT_LE",
	FormatFloatBE: "FLOAT_BE",
	FormatS24_3LE: "S24_3LE",
}

// String returns the ALSA name of the format.
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int32(f))
}

// PhysicalBits returns the storage width of one sample. 24-bit samples held in
// a 32-bit container report 32.
func (f Format) PhysicalBits() uint32 {
	switch f {
	case FormatS8, FormatU8:
		return 8
	case FormatS16LE, FormatS16BE, FormatU16LE, FormatU16BE:
		return 16
	case FormatS24_3LE:
		return 24
	case FormatS24LE, FormatS24BE, FormatS32LE, FormatS32BE, FormatFloatLE, FormatFloatBE:
		return 32
	default:
		return 0
	}
}

// Mask returns the format's bit in a formats mask.
func (f Format) Mask() uint64 {
	if f < 0 || f > 63 {
		return 0
	}
	return 1 << uint(f)
}

// ParseFormat looks up a format by its ALSA name, case-insensitively.
func ParseFormat(name string) (Format, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for f, n := range formatNames {
		if n == want {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown sample format %q", name)
}

// FormatNames lists the supported format names in sorted order.
func FormatNames() []string {
	names := make([]string, 0, len(formatNames))
	for _, n := range formatNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FrameBytes returns the size of one interleaved frame.
func FrameBytes(f Format, channels uint32) uint32 {
	return f.PhysicalBits() / 8 * channels
}

// BytesToFrames converts a byte count to frames; a zero frame size yields 0.
func BytesToFrames(bytes, frameBytes uint32) uint32 {
	if frameBytes == 0 {
		return 0
	}
	return bytes / frameBytes
}

// FramesToBytes converts a frame count to bytes.
func FramesToBytes(frames, frameBytes uint32) uint32 {
	return frames * frameBytes
}
