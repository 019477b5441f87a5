package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expected    *Header
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid hw_params header",
			data: []byte{
				0x02,       // PacketType: HW_PARAMS
				0x00, 0x18, // PacketLen: 24 (8 + 16)
				0x00, 0x00, 0x30, 0x39, // StreamID: 12345
				0x01, // Direction: Playback
			},
			expected: &Header{
				PacketType: PacketTypeHWParams,
				PacketLen:  24,
				StreamID:   12345,
				Direction:  DirectionPlayback,
			},
		},
		{
			name: "valid period header",
			data: []byte{
				0x81,       // PacketType: PERIOD_ELAPSED
				0x10, 0x10, // PacketLen: 4112
				0x12, 0x34, 0x56, 0x78, // StreamID: 305419896
				0x02, // Direction: Capture
			},
			expected: &Header{
				PacketType: PacketTypePeriodElapsed,
				PacketLen:  4112,
				StreamID:   305419896,
				Direction:  DirectionCapture,
			},
		},
		{
			name:        "header too short",
			data:        []byte{0x01, 0x00},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name:        "empty data",
			data:        []byte{},
			expectError: true,
			errorMsg:    "header too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseHeader(tt.data)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if *result != *tt.expected {
				t.Errorf("Expected header %+v, got %+v", tt.expected, result)
			}
		})
	}
}

func TestEncodeParseRequests(t *testing.T) {
	for _, ptype := range []uint8{PacketTypeOpen, PacketTypeHWFree, PacketTypePrepare, PacketTypePointer, PacketTypeClose} {
		data := EncodeRequest(ptype, 7, DirectionCapture)
		if len(data) != HeaderSize {
			t.Errorf("%s: expected %d bytes, got %d", PacketTypeName(ptype), HeaderSize, len(data))
		}

		packet, err := ParsePacket(data)
		if err != nil {
			t.Fatalf("%s: ParsePacket failed: %v", PacketTypeName(ptype), err)
		}
		if packet.Header.PacketType != ptype || packet.Header.StreamID != 7 || packet.Header.Direction != DirectionCapture {
			t.Errorf("%s: unexpected header %s", PacketTypeName(ptype), packet.Header)
		}
		if !IsRequest(ptype) {
			t.Errorf("%s should be a request", PacketTypeName(ptype))
		}
	}
}

func TestHWParamsPacket(t *testing.T) {
	want := HWParamsPayload{
		Rate:        48000,
		Channels:    2,
		Format:      2,
		PeriodBytes: 4096,
		BufferBytes: 16384,
	}

	data := EncodeHWParams(12345, DirectionPlayback, want)
	if len(data) != HeaderSize+HWParamsPayloadSize {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+HWParamsPayloadSize, len(data))
	}

	// Rate is big endian right after the header.
	if !bytes.Equal(data[8:12], []byte{0x00, 0x00, 0xBB, 0x80}) {
		t.Errorf("Unexpected rate encoding % x", data[8:12])
	}

	packet, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.HWParams == nil {
		t.Fatal("Expected hw_params payload")
	}
	if *packet.HWParams != want {
		t.Errorf("Expected %s, got %s", &want, packet.HWParams)
	}
}

func TestTriggerPacket(t *testing.T) {
	packet, err := ParsePacket(EncodeTrigger(1, DirectionPlayback, TriggerStart))
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.Trigger == nil || packet.Trigger.Cmd != TriggerStart {
		t.Errorf("Expected start trigger, got %+v", packet.Trigger)
	}
}

func TestWritePacket(t *testing.T) {
	audio := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	data, err := EncodeWrite(3, DirectionPlayback, 4096, audio)
	if err != nil {
		t.Fatalf("EncodeWrite failed: %v", err)
	}

	packet, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.Write.Offset != 4096 {
		t.Errorf("Expected offset 4096, got %d", packet.Write.Offset)
	}
	if !bytes.Equal(packet.Write.Data, audio) {
		t.Errorf("Expected data %v, got %v", audio, packet.Write.Data)
	}

	// Parsed data must not alias the datagram buffer.
	data[HeaderSize+WritePayloadHeaderSize] = 0xFF
	if packet.Write.Data[0] != 1 {
		t.Error("Write data aliases the input buffer")
	}

	if _, err := EncodeWrite(3, DirectionPlayback, 0, make([]byte, MaxPacketSize)); err == nil {
		t.Error("Expected error for oversized write")
	}
}

func TestResponsePacket(t *testing.T) {
	want := ResponsePayload{Request: PacketTypePointer, Status: StatusOK, Value: 3072}

	packet, err := ParsePacket(EncodeResponse(9, DirectionCapture, want))
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if *packet.Response != want {
		t.Errorf("Expected %s, got %s", &want, packet.Response)
	}
	if IsRequest(PacketTypeResponse) {
		t.Error("RESPONSE is not a request")
	}
}

func TestPeriodElapsedPacket(t *testing.T) {
	want := PeriodPayload{Sequence: 4, PositionFrames: 0, Data: bytes.Repeat([]byte{0xAA}, 4096)}

	data, err := EncodePeriodElapsed(9, DirectionCapture, want)
	if err != nil {
		t.Fatalf("EncodePeriodElapsed failed: %v", err)
	}

	packet, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.Period.Sequence != 4 || packet.Period.PositionFrames != 0 {
		t.Errorf("Unexpected period payload %+v", packet.Period)
	}
	if !bytes.Equal(packet.Period.Data, want.Data) {
		t.Error("Period data mismatch")
	}

	empty, err := EncodePeriodElapsed(9, DirectionPlayback, PeriodPayload{Sequence: 1, PositionFrames: 1024})
	if err != nil {
		t.Fatalf("EncodePeriodElapsed failed: %v", err)
	}
	packet, err = ParsePacket(empty)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.Period.Data != nil {
		t.Errorf("Expected no data for playback period, got %d bytes", len(packet.Period.Data))
	}
}

func TestParsePacketErrors(t *testing.T) {
	hwParams := EncodeHWParams(1, DirectionPlayback, HWParamsPayload{Rate: 48000})

	badLength := append([]byte(nil), hwParams...)
	badLength[2] = 0x10

	badType := EncodeRequest(PacketTypeOpen, 1, DirectionPlayback)
	badType[0] = 0x42

	badDirection := EncodeRequest(PacketTypeOpen, 1, DirectionPlayback)
	badDirection[7] = 0x03

	openWithPayload, _ := BuildPacket(PacketTypeOpen, 1, DirectionPlayback, []byte{0x00})
	shortHWParams, _ := BuildPacket(PacketTypeHWParams, 1, DirectionPlayback, make([]byte, 12))
	longTrigger, _ := BuildPacket(PacketTypeTrigger, 1, DirectionPlayback, []byte{1, 1})
	shortWrite, _ := BuildPacket(PacketTypeWrite, 1, DirectionPlayback, []byte{0, 0})
	shortPeriod, _ := BuildPacket(PacketTypePeriodElapsed, 1, DirectionPlayback, make([]byte, 7))

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte{0x01, 0x00, 0x08}, "packet too short"},
		{"length mismatch", badLength, "packet length mismatch"},
		{"unknown type", badType, "invalid packet type"},
		{"invalid direction", badDirection, "invalid direction"},
		{"payload on open", openWithPayload, "carries no payload"},
		{"short hw_params", shortHWParams, "hw_params packet payload size mismatch"},
		{"long trigger", longTrigger, "trigger packet payload size mismatch"},
		{"short write", shortWrite, "write packet payload too small"},
		{"short period", shortPeriod, "period packet payload too small"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.data)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestIsValidPacketType(t *testing.T) {
	tests := []struct {
		packetType uint8
		expected   bool
	}{
		{PacketTypeOpen, true},
		{PacketTypeWrite, true},
		{PacketTypeResponse, true},
		{PacketTypePeriodElapsed, true},
		{0x00, false},
		{0x09, false},
		{0x82, false},
		{0xFF, false},
	}

	for _, tt := range tests {
		result := IsValidPacketType(tt.packetType)
		if result != tt.expected {
			t.Errorf("IsValidPacketType(0x%02x) = %v, expected %v", tt.packetType, result, tt.expected)
		}
	}
}

func TestIsValidDirection(t *testing.T) {
	tests := []struct {
		direction uint8
		expected  bool
	}{
		{DirectionPlayback, true},
		{DirectionCapture, true},
		{0x00, false},
		{0x03, false},
		{0xFF, false},
	}

	for _, tt := range tests {
		result := IsValidDirection(tt.direction)
		if result != tt.expected {
			t.Errorf("IsValidDirection(0x%02x) = %v, expected %v", tt.direction, result, tt.expected)
		}
	}
}

func TestStringMethods(t *testing.T) {
	header := &Header{
		PacketType: PacketTypeTrigger,
		PacketLen:  9,
		StreamID:   12345,
		Direction:  DirectionPlayback,
	}

	expected := "Header{Type:TRIGGER, Len:9, StreamID:12345, Direction:Playback}"
	if header.String() != expected {
		t.Errorf("Header.String() = %q, expected %q", header.String(), expected)
	}

	response := &ResponsePayload{Request: PacketTypePrepare, Status: StatusState}
	expected = "ResponsePayload{Request:PREPARE, Status:state_error, Value:0}"
	if response.String() != expected {
		t.Errorf("ResponsePayload.String() = %q, expected %q", response.String(), expected)
	}

	if PacketTypeName(0x42) != "Unknown(0x42)" {
		t.Errorf("Unexpected name for unknown type: %s", PacketTypeName(0x42))
	}
	if StatusName(99) != "status(99)" {
		t.Errorf("Unexpected name for unknown status: %s", StatusName(99))
	}
}
