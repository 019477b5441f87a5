package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoleat/Mikey/internal/audio"
	"github.com/idoleat/Mikey/internal/pcm"
)

var testParams = pcm.HWParams{
	Rate:        48000,
	Channels:    2,
	Format:      pcm.FormatS16LE,
	PeriodBytes: 4096,
	BufferBytes: 16384,
}

func TestToneFillsBothChannels(t *testing.T) {
	data := tone(testParams, 1000)
	require.Len(t, data, 16384)

	// Frame 12 is a quarter period of 1 kHz at 48 kHz, the peak of the wave.
	left := int16(uint16(data[48]) | uint16(data[49])<<8)
	right := int16(uint16(data[50]) | uint16(data[51])<<8)
	assert.Equal(t, left, right)
	assert.InDelta(t, 0.3*32767, float64(left), 2)

	silent := testParams
	silent.Format = pcm.FormatS32LE
	assert.Equal(t, make([]byte, 16384), tone(silent, 1000))
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")
	data := tone(testParams, 440)

	info, err := writeWAV(path, data, testParams)
	require.NoError(t, err)
	assert.Equal(t, 4096, info.Frames)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, len(data), info.DataBytes)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	pcmData, format, err := audio.DecodeWAV(raw)
	require.NoError(t, err)
	assert.Equal(t, data, pcmData)
	assert.Equal(t, 16, format.BitsPerSample)
}

func TestRunRejectsBadOptions(t *testing.T) {
	opts := options{addr: "127.0.0.1:1", direction: "sideways"}
	assert.Error(t, run(opts, nil))

	opts.direction = "capture"
	opts.format = "S16_LE"
	opts.rate, opts.channels, opts.period, opts.buffer = 48000, 2, 4096, 10000
	assert.Error(t, run(opts, nil))
}
