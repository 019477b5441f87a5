package pcm

import (
	"strings"
	"time"
)

// Info flags advertised by a device. Values follow SNDRV_PCM_INFO_*.
type Info uint32

const (
	InfoMMAP          Info = 0x00000001
	InfoMMAPValid     Info = 0x00000002
	InfoInterleaved   Info = 0x00000100
	InfoBlockTransfer Info = 0x00010000
)

// String lists the set flags, e.g. "MMAP|MMAP_VALID|INTERLEAVED".
func (i Info) String() string {
	var parts []string
	for _, f := range []struct {
		flag Info
		name string
	}{
		{InfoMMAP, "MMAP"},
		{InfoMMAPValid, "MMAP_VALID"},
		{InfoInterleaved, "INTERLEAVED"},
		{InfoBlockTransfer, "BLOCK_TRANSFER"},
	} {
		if i&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Hardware describes what the virtual codec accepts. Both directions of the
// card share the same description by default.
type Hardware struct {
	Info           Info   `json:"info"`
	Formats        uint64 `json:"formats"`
	RateMin        uint32 `json:"rate_min"`
	RateMax        uint32 `json:"rate_max"`
	ChannelsMin    uint32 `json:"channels_min"`
	ChannelsMax    uint32 `json:"channels_max"`
	BufferBytesMax uint32 `json:"buffer_bytes_max"`
	PeriodBytesMin uint32 `json:"period_bytes_min"`
	PeriodBytesMax uint32 `json:"period_bytes_max"`
	PeriodsMin     uint32 `json:"periods_min"`
	PeriodsMax     uint32 `json:"periods_max"`
}

// DefaultHardware returns the capabilities of the Mikey codec: stereo S16_LE
// at 8-48 kHz with 4-32 KiB periods in a buffer of at most 32 KiB.
func DefaultHardware() Hardware {
	return Hardware{
		Info:           InfoMMAP | InfoInterleaved | InfoBlockTransfer | InfoMMAPValid,
		Formats:        FormatS16LE.Mask(),
		RateMin:        8000,
		RateMax:        48000,
		ChannelsMin:    2,
		ChannelsMax:    2,
		BufferBytesMax: 32768,
		PeriodBytesMin: 4096,
		PeriodBytesMax: 32768,
		PeriodsMin:     1,
		PeriodsMax:     1024,
	}
}

// SupportsFormat reports whether f is in the formats mask.
func (hw Hardware) SupportsFormat(f Format) bool {
	return hw.Formats&f.Mask() != 0
}

// FormatList returns the names of the supported formats.
func (hw Hardware) FormatList() []string {
	var names []string
	for _, name := range FormatNames() {
		f, _ := ParseFormat(name)
		if hw.SupportsFormat(f) {
			names = append(names, name)
		}
	}
	return names
}

// Constrain checks negotiated parameters against the hardware limits and the
// exact-multiple period rule.
func (hw Hardware) Constrain(p HWParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if !hw.SupportsFormat(p.Format) {
		return configErrorf("format", "%s not supported", p.Format)
	}

	if p.Rate < hw.RateMin || p.Rate > hw.RateMax {
		return configErrorf("rate", "must be between %d and %d, got %d", hw.RateMin, hw.RateMax, p.Rate)
	}

	if p.Channels < hw.ChannelsMin || p.Channels > hw.ChannelsMax {
		return configErrorf("channels", "must be between %d and %d, got %d", hw.ChannelsMin, hw.ChannelsMax, p.Channels)
	}

	if p.PeriodBytes < hw.PeriodBytesMin || p.PeriodBytes > hw.PeriodBytesMax {
		return configErrorf("period_bytes", "must be between %d and %d, got %d",
			hw.PeriodBytesMin, hw.PeriodBytesMax, p.PeriodBytes)
	}

	if p.BufferBytes > hw.BufferBytesMax {
		return configErrorf("buffer_bytes", "must be at most %d, got %d", hw.BufferBytesMax, p.BufferBytes)
	}

	periods := p.Periods()
	if periods < hw.PeriodsMin || periods > hw.PeriodsMax {
		return configErrorf("periods", "must be between %d and %d, got %d", hw.PeriodsMin, hw.PeriodsMax, periods)
	}

	return nil
}

// HWParams holds the parameters negotiated for one substream.
type HWParams struct {
	Rate        uint32 `json:"rate"`
	Channels    uint32 `json:"channels"`
	Format      Format `json:"format"`
	PeriodBytes uint32 `json:"period_bytes"`
	BufferBytes uint32 `json:"buffer_bytes"`
}

// Validate checks the hardware-independent rules: every size positive, the
// buffer an exact multiple of the period and the period a whole number of
// frames. Partial periods are never tracked, so any other pair is rejected.
func (p HWParams) Validate() error {
	if p.Rate == 0 {
		return configErrorf("rate", "must be positive")
	}
	if p.Channels == 0 {
		return configErrorf("channels", "must be positive")
	}
	if p.Format.PhysicalBits() == 0 {
		return configErrorf("format", "unknown format %d", int32(p.Format))
	}
	if p.PeriodBytes == 0 {
		return configErrorf("period_bytes", "must be positive")
	}
	if p.BufferBytes == 0 {
		return configErrorf("buffer_bytes", "must be positive")
	}
	if p.BufferBytes%p.PeriodBytes != 0 {
		return configErrorf("buffer_bytes", "%d is not a multiple of period_bytes %d", p.BufferBytes, p.PeriodBytes)
	}
	if p.PeriodBytes%p.FrameBytes() != 0 {
		return configErrorf("period_bytes", "%d is not a whole number of %d-byte frames", p.PeriodBytes, p.FrameBytes())
	}
	return nil
}

// FrameBytes returns the size of one frame.
func (p HWParams) FrameBytes() uint32 {
	return FrameBytes(p.Format, p.Channels)
}

// Periods returns the number of periods in the buffer.
func (p HWParams) Periods() uint32 {
	if p.PeriodBytes == 0 {
		return 0
	}
	return p.BufferBytes / p.PeriodBytes
}

// PeriodFrames returns the period size in frames.
func (p HWParams) PeriodFrames() uint32 {
	return BytesToFrames(p.PeriodBytes, p.FrameBytes())
}

// BufferFrames returns the buffer size in frames.
func (p HWParams) BufferFrames() uint32 {
	return BytesToFrames(p.BufferBytes, p.FrameBytes())
}

// PeriodTime returns how long one period lasts in real time.
func (p HWParams) PeriodTime() time.Duration {
	if p.Rate == 0 {
		return 0
	}
	return time.Duration(uint64(p.PeriodFrames()) * uint64(time.Second) / uint64(p.Rate))
}
