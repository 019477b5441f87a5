package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoleat/Mikey/internal/config"
	"github.com/idoleat/Mikey/internal/pcm"
	"github.com/idoleat/Mikey/internal/protocol"
	"github.com/idoleat/Mikey/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var defaultParams = protocol.HWParamsPayload{
	Rate:        48000,
	Channels:    2,
	Format:      uint16(pcm.FormatS16LE),
	PeriodBytes: 4096,
	BufferBytes: 16384,
}

type controlClient struct {
	t    *testing.T
	conn *net.UDPConn
}

// newControlServer starts a card and a control server on a loopback port and
// returns a client connected to it.
func newControlServer(t *testing.T, events stream.Sink) (*stream.Manager, *UDPServer, *controlClient) {
	t.Helper()

	manager := stream.NewManager(testLogger(), stream.ManagerConfig{TickInterval: 5 * time.Millisecond})
	t.Cleanup(manager.Stop)

	srv := NewUDPServer(&config.ServerConfig{
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		BufferSize:  65536,
		Workers:     2,
	}, testLogger(), manager, nil)
	if events != nil {
		srv.SetEventSink(events)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return manager, srv, &controlClient{t: t, conn: conn}
}

func (c *controlClient) send(data []byte) {
	c.t.Helper()
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

// next reads packets until one of type ptype arrives.
func (c *controlClient) next(ptype uint8) *protocol.ParsedPacket {
	c.t.Helper()

	buf := make([]byte, protocol.MaxPacketSize)
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err, "waiting for %s", protocol.PacketTypeName(ptype))

		packet, err := protocol.ParsePacket(buf[:n])
		require.NoError(c.t, err)
		if packet.Header.PacketType == ptype {
			return packet
		}
	}
}

// do sends a request and waits for its response.
func (c *controlClient) do(data []byte) protocol.ResponsePayload {
	c.t.Helper()
	c.send(data)

	for {
		resp := c.next(protocol.PacketTypeResponse).Response
		if resp.Request == data[0] {
			return *resp
		}
	}
}

func (c *controlClient) status(data []byte) uint8 {
	c.t.Helper()
	return c.do(data).Status
}

func TestUDPControlLifecycle(t *testing.T) {
	manager, srv, client := newControlServer(t, nil)
	const id = 42
	dir := uint8(protocol.DirectionPlayback)

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, id, dir)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeHWParams(id, dir, defaultParams)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, id, dir)))

	write, err := protocol.EncodeWrite(id, dir, 0, make([]byte, 4096))
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.StatusOK), client.status(write))

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeTrigger(id, dir, protocol.TriggerStart)))

	period := client.next(protocol.PacketTypePeriodElapsed)
	assert.Equal(t, uint32(id), period.Header.StreamID)
	assert.GreaterOrEqual(t, period.Period.Sequence, uint32(1))
	assert.Nil(t, period.Period.Data, "playback notifications carry no data")

	pointer := client.do(protocol.EncodeRequest(protocol.PacketTypePointer, id, dir))
	require.Equal(t, uint8(protocol.StatusOK), pointer.Status)
	assert.Less(t, pointer.Value, uint32(4096))
	assert.Zero(t, pointer.Value%1024, "pointer moves in whole periods")

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeTrigger(id, dir, protocol.TriggerStop)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeClose, id, dir)))
	assert.Zero(t, manager.ActiveCount())

	assert.Equal(t, uint8(protocol.StatusNotFound), client.status(protocol.EncodeRequest(protocol.PacketTypeClose, id, dir)))

	stats := srv.GetStatistics()
	assert.GreaterOrEqual(t, stats.NotificationsSent, uint64(1))
	assert.Zero(t, stats.ParseErrors)
}

func TestUDPStatusCodes(t *testing.T) {
	_, _, client := newControlServer(t, nil)
	play := uint8(protocol.DirectionPlayback)
	capt := uint8(protocol.DirectionCapture)

	assert.Equal(t, uint8(protocol.StatusNotFound), client.status(protocol.EncodeHWParams(1, play, defaultParams)))

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, 1, play)))
	assert.Equal(t, uint8(protocol.StatusExists), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, 1, play)))

	assert.Equal(t, uint8(protocol.StatusState), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, 1, play)))

	bad := defaultParams
	bad.BufferBytes = 10000
	assert.Equal(t, uint8(protocol.StatusConfig), client.status(protocol.EncodeHWParams(1, play, bad)))

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeHWParams(1, play, defaultParams)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, 1, play)))
	assert.Equal(t, uint8(protocol.StatusBadRequest), client.status(protocol.EncodeTrigger(1, play, 7)))
	assert.Equal(t, uint8(protocol.StatusState), client.status(protocol.EncodeTrigger(1, play, protocol.TriggerStop)))

	outOfRange, err := protocol.EncodeWrite(1, play, 20000, make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.StatusBadRequest), client.status(outOfRange))

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, 1, capt)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeHWParams(1, capt, defaultParams)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, 1, capt)))
	captureWrite, err := protocol.EncodeWrite(1, capt, 0, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.StatusBadRequest), client.status(captureWrite))

	response := protocol.EncodeResponse(1, play, protocol.ResponsePayload{Request: protocol.PacketTypeOpen})
	assert.Equal(t, uint8(protocol.StatusBadRequest), client.status(response))
}

func TestUDPCaptureNotificationsCarryData(t *testing.T) {
	_, _, client := newControlServer(t, nil)
	const id = 5
	play := uint8(protocol.DirectionPlayback)
	capt := uint8(protocol.DirectionCapture)

	for _, dir := range []uint8{play, capt} {
		require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, id, dir)))
		require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeHWParams(id, dir, defaultParams)))
		require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, id, dir)))
	}
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeTrigger(id, capt, protocol.TriggerStart)))

	period := client.next(protocol.PacketTypePeriodElapsed)
	assert.Equal(t, uint8(protocol.DirectionCapture), period.Header.Direction)
	assert.Len(t, period.Period.Data, 4096)
}

func TestUDPEventSink(t *testing.T) {
	hub := NewEventHub(testLogger(), nil, 8)
	_, _, client := newControlServer(t, hub)
	dir := uint8(protocol.DirectionPlayback)
	key := stream.Key{StreamID: 9, Direction: stream.Playback}

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, 9, dir)))
	events, cancel := hub.Subscribe(key)
	defer cancel()

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeHWParams(9, dir, defaultParams)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypePrepare, 9, dir)))
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeTrigger(9, dir, protocol.TriggerStart)))

	select {
	case ev := <-events:
		assert.Equal(t, uint32(9), ev.StreamID)
		assert.Equal(t, stream.Playback, ev.Direction)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered to hub")
	}
}

func TestUDPSinksFollowSubstreamClose(t *testing.T) {
	manager, srv, client := newControlServer(t, nil)
	dir := uint8(protocol.DirectionCapture)

	for id := uint32(1); id <= 3; id++ {
		require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, id, dir)))
	}
	require.Equal(t, uint64(3), srv.GetStatistics().PeerSinks)

	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeClose, 1, dir)))
	assert.Equal(t, uint64(2), srv.GetStatistics().PeerSinks)

	// Closed outside the control protocol.
	require.NoError(t, manager.Close(stream.Key{StreamID: 2, Direction: stream.Capture}))
	assert.Equal(t, uint64(1), srv.GetStatistics().PeerSinks)

	// A reopen keeps its own sink when the old substream goes away.
	old, err := manager.Get(stream.Key{StreamID: 3, Direction: stream.Capture})
	require.NoError(t, err)
	require.NoError(t, old.Close())
	require.Equal(t, uint8(protocol.StatusOK), client.status(protocol.EncodeRequest(protocol.PacketTypeOpen, 3, dir)))
	srv.forgetSink(old)
	assert.Equal(t, uint64(1), srv.GetStatistics().PeerSinks)

	manager.Stop()
	assert.Zero(t, srv.GetStatistics().PeerSinks)
}

func TestUDPParseErrorsAreCounted(t *testing.T) {
	_, srv, client := newControlServer(t, nil)

	client.send([]byte{0x01, 0x02})
	client.send([]byte{0x42, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01, 0x01})

	require.Eventually(t, func() bool {
		return srv.GetStatistics().ParseErrors == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), srv.GetStatistics().PacketsReceived)
	assert.Zero(t, srv.GetStatistics().ResponsesSent)
}

func TestUDPStopIsIdempotent(t *testing.T) {
	_, srv, _ := newControlServer(t, nil)
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		expected uint8
	}{
		{nil, protocol.StatusOK},
		{&pcm.ConfigError{Field: "rate", Reason: "bad"}, protocol.StatusConfig},
		{&stream.StateError{Op: "start", State: stream.StateOpened}, protocol.StatusState},
		{&stream.SchedulingError{Err: errors.New("exhausted")}, protocol.StatusScheduling},
		{stream.ErrNotFound, protocol.StatusNotFound},
		{stream.ErrStreamExists, protocol.StatusExists},
		{stream.ErrCardFull, protocol.StatusExists},
		{stream.ErrInvalidTrigger, protocol.StatusBadRequest},
		{fmt.Errorf("%w: x", errBadRequest), protocol.StatusBadRequest},
		{errors.New("something else"), protocol.StatusBadRequest},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusFor(tt.err), "error %v", tt.err)
	}
}
