// Command mikeyctl drives one substream of a running mikeyd through the UDP
// control protocol: it opens and configures the substream, runs it for a
// while, prints the period notifications and optionally saves captured audio
// as a WAV file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"github.com/idoleat/Mikey/internal/audio"
	"github.com/idoleat/Mikey/internal/pcm"
	"github.com/idoleat/Mikey/internal/protocol"
)

const replyTimeout = 2 * time.Second

type options struct {
	addr      string
	streamID  uint
	direction string
	rate      uint
	channels  uint
	format    string
	period    uint
	buffer    uint
	duration  time.Duration
	tone      float64
	wavOut    string
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:4444", "Control server address")
	flag.UintVar(&opts.streamID, "id", 1, "Stream ID")
	flag.StringVar(&opts.direction, "dir", "playback", "Direction: playback or capture")
	flag.UintVar(&opts.rate, "rate", 48000, "Sample rate")
	flag.UintVar(&opts.channels, "channels", 2, "Channel count")
	flag.StringVar(&opts.format, "format", "S16_LE", "Sample format")
	flag.UintVar(&opts.period, "period", 4096, "Period size in bytes")
	flag.UintVar(&opts.buffer, "buffer", 16384, "Buffer size in bytes")
	flag.DurationVar(&opts.duration, "duration", 2*time.Second, "How long to run the substream")
	flag.Float64Var(&opts.tone, "tone", 440, "Playback tone frequency in Hz, 0 for silence")
	flag.StringVar(&opts.wavOut, "wav", "", "Write captured audio to this WAV file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(opts, logger); err != nil {
		logger.Error("mikeyctl failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// client sends requests for one substream and collects its notifications.
type client struct {
	conn     *net.UDPConn
	streamID uint32
	dir      uint8
	logger   *slog.Logger

	periods  int
	captured []byte
}

func run(opts options, logger *slog.Logger) error {
	var dir uint8
	switch opts.direction {
	case "playback":
		dir = protocol.DirectionPlayback
	case "capture":
		dir = protocol.DirectionCapture
	default:
		return fmt.Errorf("unknown direction %q", opts.direction)
	}

	format, err := pcm.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	params := pcm.HWParams{
		Rate:        uint32(opts.rate),
		Channels:    uint32(opts.channels),
		Format:      format,
		PeriodBytes: uint32(opts.period),
		BufferBytes: uint32(opts.buffer),
	}
	if err := params.Validate(); err != nil {
		return err
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", opts.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", opts.addr, err)
	}
	defer conn.Close()

	c := &client{conn: conn, streamID: uint32(opts.streamID), dir: dir, logger: logger}

	logger.Info("Opening substream",
		slog.String("server", raddr.String()),
		slog.Uint64("stream_id", uint64(c.streamID)),
		slog.String("direction", opts.direction),
	)

	if _, err := c.call(protocol.EncodeRequest(protocol.PacketTypeOpen, c.streamID, dir)); err != nil {
		return err
	}
	defer func() {
		if _, err := c.call(protocol.EncodeRequest(protocol.PacketTypeClose, c.streamID, dir)); err != nil {
			logger.Warn("Close failed", slog.String("error", err.Error()))
		}
	}()

	hw := protocol.HWParamsPayload{
		Rate:        params.Rate,
		Channels:    uint16(params.Channels),
		Format:      uint16(params.Format),
		PeriodBytes: params.PeriodBytes,
		BufferBytes: params.BufferBytes,
	}
	if _, err := c.call(protocol.EncodeHWParams(c.streamID, dir, hw)); err != nil {
		return err
	}
	if _, err := c.call(protocol.EncodeRequest(protocol.PacketTypePrepare, c.streamID, dir)); err != nil {
		return err
	}

	if dir == protocol.DirectionPlayback {
		if err := c.fillBuffer(params, opts.tone); err != nil {
			return err
		}
	}

	if _, err := c.call(protocol.EncodeTrigger(c.streamID, dir, protocol.TriggerStart)); err != nil {
		return err
	}

	c.listen(time.Now().Add(opts.duration))

	if _, err := c.call(protocol.EncodeTrigger(c.streamID, dir, protocol.TriggerStop)); err != nil {
		return err
	}

	frames, err := c.call(protocol.EncodeRequest(protocol.PacketTypePointer, c.streamID, dir))
	if err != nil {
		return err
	}

	logger.Info("Substream stopped",
		slog.Int("periods", c.periods),
		slog.Uint64("pointer_frames", uint64(frames)),
		slog.Int("captured_bytes", len(c.captured)),
	)

	if opts.wavOut != "" && len(c.captured) > 0 {
		info, err := writeWAV(opts.wavOut, c.captured, params)
		if err != nil {
			return err
		}
		logger.Info("Captured audio saved",
			slog.String("path", opts.wavOut),
			slog.Int("frames", info.Frames),
			slog.Duration("duration", info.Duration),
			slog.Int("channels", info.Channels),
			slog.Int("sample_rate", info.SampleRate),
		)
	}
	return nil
}

// call sends a request and waits for its response, printing period
// notifications that arrive in between.
func (c *client) call(request []byte) (uint32, error) {
	if _, err := c.conn.Write(request); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", protocol.PacketTypeName(request[0]), err)
	}

	deadline := time.Now().Add(replyTimeout)
	for {
		packet, err := c.read(deadline)
		if err != nil {
			return 0, fmt.Errorf("waiting for %s response: %w", protocol.PacketTypeName(request[0]), err)
		}

		switch packet.Header.PacketType {
		case protocol.PacketTypePeriodElapsed:
			c.period(packet)

		case protocol.PacketTypeResponse:
			resp := packet.Response
			if resp.Request != request[0] {
				continue
			}
			if resp.Status != protocol.StatusOK {
				return 0, fmt.Errorf("%s rejected: %s", protocol.PacketTypeName(resp.Request), protocol.StatusName(resp.Status))
			}
			return resp.Value, nil
		}
	}
}

// listen handles notifications until deadline.
func (c *client) listen(deadline time.Time) {
	for {
		packet, err := c.read(deadline)
		if err != nil {
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				c.logger.Warn("Read failed", slog.String("error", err.Error()))
			}
			return
		}
		if packet.Header.PacketType == protocol.PacketTypePeriodElapsed {
			c.period(packet)
		}
	}
}

func (c *client) read(deadline time.Time) (*protocol.ParsedPacket, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return protocol.ParsePacket(buf[:n])
}

func (c *client) period(packet *protocol.ParsedPacket) {
	c.periods++
	c.captured = append(c.captured, packet.Period.Data...)

	c.logger.Info("Period elapsed",
		slog.Uint64("sequence", uint64(packet.Period.Sequence)),
		slog.Uint64("position_frames", uint64(packet.Period.PositionFrames)),
		slog.Int("data_bytes", len(packet.Period.Data)),
	)
}

// fillBuffer writes a tone over the whole playback buffer, one period per
// WRITE request.
func (c *client) fillBuffer(p pcm.HWParams, freq float64) error {
	data := tone(p, freq)
	for off := uint32(0); off < p.BufferBytes; off += p.PeriodBytes {
		packet, err := protocol.EncodeWrite(c.streamID, c.dir, off, data[off:off+p.PeriodBytes])
		if err != nil {
			return err
		}
		if _, err := c.call(packet); err != nil {
			return err
		}
	}
	return nil
}

// tone renders a sine wave for S16_LE; other formats get silence.
func tone(p pcm.HWParams, freq float64) []byte {
	data := make([]byte, p.BufferBytes)
	if p.Format != pcm.FormatS16LE || freq <= 0 {
		return data
	}

	frameBytes := p.FrameBytes()
	for frame := uint32(0); frame < p.BufferFrames(); frame++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(frame)/float64(p.Rate)) * 0.3 * math.MaxInt16)
		for ch := uint32(0); ch < p.Channels; ch++ {
			i := frame*frameBytes + ch*2
			data[i] = byte(v)
			data[i+1] = byte(uint16(v) >> 8)
		}
	}
	return data
}

func writeWAV(path string, data []byte, p pcm.HWParams) (audio.WAVInfo, error) {
	wav, err := audio.EncodeWAV(data, audio.WAVFormat{
		SampleRate:    int(p.Rate),
		Channels:      int(p.Channels),
		BitsPerSample: int(p.Format.PhysicalBits()),
	})
	if err != nil {
		return audio.WAVInfo{}, fmt.Errorf("failed to encode WAV: %w", err)
	}
	if err := os.WriteFile(path, wav, 0644); err != nil {
		return audio.WAVInfo{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return audio.GetWAVInfo(wav)
}
