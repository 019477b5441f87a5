package pcm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stereoS16(rate, period, buffer uint32) HWParams {
	return HWParams{
		Rate:        rate,
		Channels:    2,
		Format:      FormatS16LE,
		PeriodBytes: period,
		BufferBytes: buffer,
	}
}

func TestPositionWrapsAfterBufferPeriods(t *testing.T) {
	geometries := []struct {
		period, buffer uint32
	}{
		{4096, 4096},
		{4096, 16384},
		{4096, 32768},
		{8192, 32768},
		{4, 1024},
		{12, 36},
	}

	for _, g := range geometries {
		var p Position
		require.NoError(t, p.Configure(g.period, g.buffer, 4))
		p.Reset()

		ticks := g.buffer / g.period
		for i := uint32(1); i <= ticks; i++ {
			pos, wrapped := p.Advance()
			if i < ticks {
				assert.Equal(t, i*g.period, pos)
				assert.False(t, wrapped)
			} else {
				assert.Zero(t, pos, "period=%d buffer=%d", g.period, g.buffer)
				assert.True(t, wrapped)
			}
		}
	}
}

func TestPositionAdvanceIsModular(t *testing.T) {
	var p Position
	require.NoError(t, p.Configure(4096, 16384, 4))

	for n := uint32(1); n <= 37; n++ {
		p.Advance()
		assert.Equal(t, (n*4096)%16384, p.Bytes())
		assert.Equal(t, (n*4096)%16384/4, p.Frames())
	}

	p.Reset()
	assert.Zero(t, p.Bytes())
}

func TestPositionAdvanceNearUint32Limit(t *testing.T) {
	var p Position
	require.NoError(t, p.Configure(1<<30, 3<<30, 4))
	p.Advance()
	p.Advance()
	require.Equal(t, uint32(2<<30), p.Bytes())

	// Regeometry without Reset keeps the old offset; the sum must not wrap.
	require.NoError(t, p.Configure(3<<30, 3<<30, 4))
	pos, wrapped := p.Advance()
	assert.Equal(t, uint32(2<<30), pos)
	assert.False(t, wrapped)
}

func TestPositionConfigureRejects(t *testing.T) {
	tests := []struct {
		name                  string
		period, buffer, frame uint32
		field                 string
	}{
		{"zero period", 0, 16384, 4, "period_bytes"},
		{"zero buffer", 4096, 0, 4, "buffer_bytes"},
		{"zero frame", 4096, 16384, 0, "frame_bytes"},
		{"buffer not a multiple", 4096, 10000, 4, "buffer_bytes"},
		{"partial frame", 4098, 8196, 4, "period_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Position
			err := p.Configure(tt.period, tt.buffer, tt.frame)
			require.ErrorIs(t, err, ErrInvalidConfig)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestPositionConcurrentReads(t *testing.T) {
	var p Position
	require.NoError(t, p.Configure(4096, 32768, 4))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b := p.Bytes()
				if b%4096 != 0 || b >= 32768 {
					t.Errorf("observed torn position %d", b)
					return
				}
			}
		}()
	}

	for i := 0; i < 10000; i++ {
		p.Advance()
	}
	close(stop)
	wg.Wait()
}

func TestHWParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  HWParams
		field   string
		wantErr bool
	}{
		{"valid", stereoS16(48000, 4096, 16384), "", false},
		{"buffer not a multiple", stereoS16(48000, 4096, 10000), "buffer_bytes", true},
		{"zero period", stereoS16(48000, 0, 16384), "period_bytes", true},
		{"zero buffer", stereoS16(48000, 4096, 0), "buffer_bytes", true},
		{"zero rate", stereoS16(0, 4096, 16384), "rate", true},
		{"unknown format", HWParams{Rate: 48000, Channels: 2, Format: Format(99), PeriodBytes: 4096, BufferBytes: 16384}, "format", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestHardwareConstrain(t *testing.T) {
	hw := DefaultHardware()

	tests := []struct {
		name   string
		params HWParams
		field  string
	}{
		{"valid", stereoS16(44100, 4096, 16384), ""},
		{"rate too low", stereoS16(4000, 4096, 16384), "rate"},
		{"rate too high", stereoS16(96000, 4096, 16384), "rate"},
		{"mono", HWParams{Rate: 48000, Channels: 1, Format: FormatS16LE, PeriodBytes: 4096, BufferBytes: 16384}, "channels"},
		{"unsupported format", HWParams{Rate: 48000, Channels: 2, Format: FormatS32LE, PeriodBytes: 4096, BufferBytes: 16384}, "format"},
		{"period too small", stereoS16(48000, 1024, 16384), "period_bytes"},
		{"buffer too large", stereoS16(48000, 4096, 65536), "buffer_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hw.Constrain(tt.params)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestHWParamsDerived(t *testing.T) {
	p := stereoS16(48000, 4096, 16384)

	assert.Equal(t, uint32(4), p.FrameBytes())
	assert.Equal(t, uint32(4), p.Periods())
	assert.Equal(t, uint32(1024), p.PeriodFrames())
	assert.Equal(t, uint32(4096), p.BufferFrames())
	assert.Equal(t, 21333333*time.Nanosecond, p.PeriodTime())
}

func TestFormat(t *testing.T) {
	f, err := ParseFormat("s16_le")
	require.NoError(t, err)
	assert.Equal(t, FormatS16LE, f)
	assert.Equal(t, "S16_LE", f.String())
	assert.Equal(t, uint32(16), f.PhysicalBits())
	assert.Equal(t, uint32(32), FormatS24LE.PhysicalBits())
	assert.Equal(t, uint32(24), FormatS24_3LE.PhysicalBits())
	assert.Equal(t, uint32(4), FrameBytes(FormatS16LE, 2))

	_, err = ParseFormat("MP3")
	assert.Error(t, err)

	assert.Equal(t, []string{"S16_LE"}, DefaultHardware().FormatList())
	assert.Equal(t, "MMAP|MMAP_VALID|INTERLEAVED|BLOCK_TRANSFER", DefaultHardware().Info.String())
}

func TestAreaWrapAround(t *testing.T) {
	a := NewArea(8)

	n, err := a.WriteAt([]byte{1, 2, 3, 4}, 6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{3, 4, 0, 0, 0, 0, 1, 2}, a.Snapshot())

	out := make([]byte, 4)
	_, err = a.ReadAt(out, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	_, err = a.WriteAt(make([]byte, 9), 0)
	assert.Error(t, err)
	_, err = a.ReadAt(out, 8)
	assert.Error(t, err)

	a.Reset(4)
	assert.Equal(t, 4, a.Len())
	assert.Equal(t, []byte{0, 0, 0, 0}, a.Snapshot())

	empty := NewArea(0)
	_, err = empty.ReadAt(out, 0)
	assert.Error(t, err)
}
