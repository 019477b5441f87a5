package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Protocol constants
const (
	// Request packet types, client to card
	PacketTypeOpen     = 0x01
	PacketTypeHWParams = 0x02
	PacketTypeHWFree   = 0x03
	PacketTypePrepare  = 0x04
	PacketTypeTrigger  = 0x05
	PacketTypePointer  = 0x06
	PacketTypeClose    = 0x07
	PacketTypeWrite    = 0x08

	// Reply packet types, card to client
	PacketTypeResponse      = 0x80
	PacketTypePeriodElapsed = 0x81

	// Direction types
	DirectionPlayback = 0x01
	DirectionCapture  = 0x02

	// Trigger commands
	TriggerStop  = 0x00
	TriggerStart = 0x01

	// Packet structure sizes
	HeaderSize              = 8  // 1 + 2 + 4 + 1 bytes
	HWParamsPayloadSize     = 16 // 4 + 2 + 2 + 4 + 4 bytes
	TriggerPayloadSize      = 1
	WritePayloadHeaderSize  = 4 // Offset
	ResponsePayloadSize     = 6 // 1 + 1 + 4 bytes
	PeriodPayloadHeaderSize = 8 // Sequence + PositionFrames

	// MaxPacketSize is the largest length the 16-bit length field can carry.
	MaxPacketSize = math.MaxUint16
)

// Status codes carried in RESPONSE packets
const (
	StatusOK         = 0x00
	StatusConfig     = 0x01
	StatusState      = 0x02
	StatusScheduling = 0x03
	StatusBadRequest = 0x04
	StatusNotFound   = 0x05
	StatusExists     = 0x06
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Direction:1]
type Header struct {
	PacketType uint8  // See PacketType* constants
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Stream identifier
	Direction  uint8  // 0x01=Playback, 0x02=Capture
}

// HWParamsPayload carries the parameters negotiated for a substream
// Layout: [Rate:4][Channels:2][Format:2][PeriodBytes:4][BufferBytes:4]
type HWParamsPayload struct {
	Rate        uint32
	Channels    uint16
	Format      uint16
	PeriodBytes uint32
	BufferBytes uint32
}

// TriggerPayload carries a trigger command
// Layout: [Cmd:1]
type TriggerPayload struct {
	Cmd uint8
}

// WritePayload carries playback data for the DMA area
// Layout: [Offset:4][Data:N]
type WritePayload struct {
	Offset uint32
	Data   []byte
}

// ResponsePayload answers one request
// Layout: [Request:1][Status:1][Value:4]
type ResponsePayload struct {
	Request uint8  // Type of the request being answered
	Status  uint8  // See Status* constants
	Value   uint32 // Pointer frames for POINTER, otherwise 0
}

// PeriodPayload notifies the peer that a period elapsed
// Layout: [Sequence:4][PositionFrames:4][Data:N]
type PeriodPayload struct {
	Sequence       uint32
	PositionFrames uint32
	Data           []byte // Capture data, empty for playback
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header   *Header
	HWParams *HWParamsPayload // Only set for HW_PARAMS packets
	Trigger  *TriggerPayload  // Only set for TRIGGER packets
	Write    *WritePayload    // Only set for WRITE packets
	Response *ResponsePayload // Only set for RESPONSE packets
	Period   *PeriodPayload   // Only set for PERIOD_ELAPSED packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Direction:  data[7],
	}

	return header, nil
}

// ParseHWParamsPayload parses the 16-byte HW_PARAMS payload
func ParseHWParamsPayload(data []byte) (*HWParamsPayload, error) {
	if len(data) < HWParamsPayloadSize {
		return nil, fmt.Errorf("hw_params payload too short: expected %d bytes, got %d",
			HWParamsPayloadSize, len(data))
	}

	return &HWParamsPayload{
		Rate:        binary.BigEndian.Uint32(data[0:4]),
		Channels:    binary.BigEndian.Uint16(data[4:6]),
		Format:      binary.BigEndian.Uint16(data[6:8]),
		PeriodBytes: binary.BigEndian.Uint32(data[8:12]),
		BufferBytes: binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// ParseWritePayload parses the WRITE payload (4-byte offset + data)
func ParseWritePayload(data []byte) (*WritePayload, error) {
	if len(data) < WritePayloadHeaderSize {
		return nil, fmt.Errorf("write payload too short: expected at least %d bytes, got %d",
			WritePayloadHeaderSize, len(data))
	}

	payload := &WritePayload{
		Offset: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > WritePayloadHeaderSize {
		payload.Data = make([]byte, len(data)-WritePayloadHeaderSize)
		copy(payload.Data, data[WritePayloadHeaderSize:])
	}

	return payload, nil
}

// ParseResponsePayload parses the 6-byte RESPONSE payload
func ParseResponsePayload(data []byte) (*ResponsePayload, error) {
	if len(data) < ResponsePayloadSize {
		return nil, fmt.Errorf("response payload too short: expected %d bytes, got %d",
			ResponsePayloadSize, len(data))
	}

	return &ResponsePayload{
		Request: data[0],
		Status:  data[1],
		Value:   binary.BigEndian.Uint32(data[2:6]),
	}, nil
}

// ParsePeriodPayload parses the PERIOD_ELAPSED payload
func ParsePeriodPayload(data []byte) (*PeriodPayload, error) {
	if len(data) < PeriodPayloadHeaderSize {
		return nil, fmt.Errorf("period payload too short: expected at least %d bytes, got %d",
			PeriodPayloadHeaderSize, len(data))
	}

	payload := &PeriodPayload{
		Sequence:       binary.BigEndian.Uint32(data[0:4]),
		PositionFrames: binary.BigEndian.Uint32(data[4:8]),
	}

	if len(data) > PeriodPayloadHeaderSize {
		payload.Data = make([]byte, len(data)-PeriodPayloadHeaderSize)
		copy(payload.Data, data[PeriodPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeHWParams:
		payload, err := ParseHWParamsPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hw_params payload: %w", err)
		}
		packet.HWParams = payload

	case PacketTypeTrigger:
		packet.Trigger = &TriggerPayload{Cmd: payloadData[0]}

	case PacketTypeWrite:
		payload, err := ParseWritePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse write payload: %w", err)
		}
		packet.Write = payload

	case PacketTypeResponse:
		payload, err := ParseResponsePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse response payload: %w", err)
		}
		packet.Response = payload

	case PacketTypePeriodElapsed:
		payload, err := ParsePeriodPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse period payload: %w", err)
		}
		packet.Period = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidDirection(header.Direction) {
		return fmt.Errorf("invalid direction: 0x%02x", header.Direction)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeOpen, PacketTypeHWFree, PacketTypePrepare, PacketTypePointer, PacketTypeClose:
		if payloadSize != 0 {
			return fmt.Errorf("%s packet carries no payload, got %d bytes", PacketTypeName(header.PacketType), payloadSize)
		}
	case PacketTypeHWParams:
		if payloadSize != HWParamsPayloadSize {
			return fmt.Errorf("hw_params packet payload size mismatch: expected %d, got %d",
				HWParamsPayloadSize, payloadSize)
		}
	case PacketTypeTrigger:
		if payloadSize != TriggerPayloadSize {
			return fmt.Errorf("trigger packet payload size mismatch: expected %d, got %d",
				TriggerPayloadSize, payloadSize)
		}
	case PacketTypeWrite:
		if payloadSize < WritePayloadHeaderSize {
			return fmt.Errorf("write packet payload too small: expected at least %d, got %d",
				WritePayloadHeaderSize, payloadSize)
		}
	case PacketTypeResponse:
		if payloadSize != ResponsePayloadSize {
			return fmt.Errorf("response packet payload size mismatch: expected %d, got %d",
				ResponsePayloadSize, payloadSize)
		}
	case PacketTypePeriodElapsed:
		if payloadSize < PeriodPayloadHeaderSize {
			return fmt.Errorf("period packet payload too small: expected at least %d, got %d",
				PeriodPayloadHeaderSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	switch ptype {
	case PacketTypeOpen, PacketTypeHWParams, PacketTypeHWFree, PacketTypePrepare,
		PacketTypeTrigger, PacketTypePointer, PacketTypeClose, PacketTypeWrite,
		PacketTypeResponse, PacketTypePeriodElapsed:
		return true
	default:
		return false
	}
}

// IsRequest reports whether ptype is sent by clients
func IsRequest(ptype uint8) bool {
	return ptype >= PacketTypeOpen && ptype <= PacketTypeWrite
}

// IsValidDirection checks if the direction is valid
func IsValidDirection(dir uint8) bool {
	return dir == DirectionPlayback || dir == DirectionCapture
}

// BuildPacket prepends a header to payload
func BuildPacket(ptype uint8, streamID uint32, direction uint8, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	buf := make([]byte, total)
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(total))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = direction
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// EncodeRequest builds a request packet without payload
func EncodeRequest(ptype uint8, streamID uint32, direction uint8) []byte {
	buf, _ := BuildPacket(ptype, streamID, direction, nil)
	return buf
}

// EncodeHWParams builds a HW_PARAMS packet
func EncodeHWParams(streamID uint32, direction uint8, p HWParamsPayload) []byte {
	payload := make([]byte, HWParamsPayloadSize)
	binary.BigEndian.PutUint32(payload[0:4], p.Rate)
	binary.BigEndian.PutUint16(payload[4:6], p.Channels)
	binary.BigEndian.PutUint16(payload[6:8], p.Format)
	binary.BigEndian.PutUint32(payload[8:12], p.PeriodBytes)
	binary.BigEndian.PutUint32(payload[12:16], p.BufferBytes)

	buf, _ := BuildPacket(PacketTypeHWParams, streamID, direction, payload)
	return buf
}

// EncodeTrigger builds a TRIGGER packet
func EncodeTrigger(streamID uint32, direction uint8, cmd uint8) []byte {
	buf, _ := BuildPacket(PacketTypeTrigger, streamID, direction, []byte{cmd})
	return buf
}

// EncodeWrite builds a WRITE packet
func EncodeWrite(streamID uint32, direction uint8, offset uint32, data []byte) ([]byte, error) {
	payload := make([]byte, WritePayloadHeaderSize+len(data))
	binary.BigEndian.PutUint32(payload[0:4], offset)
	copy(payload[WritePayloadHeaderSize:], data)

	return BuildPacket(PacketTypeWrite, streamID, direction, payload)
}

// EncodeResponse builds a RESPONSE packet
func EncodeResponse(streamID uint32, direction uint8, r ResponsePayload) []byte {
	payload := make([]byte, ResponsePayloadSize)
	payload[0] = r.Request
	payload[1] = r.Status
	binary.BigEndian.PutUint32(payload[2:6], r.Value)

	buf, _ := BuildPacket(PacketTypeResponse, streamID, direction, payload)
	return buf
}

// EncodePeriodElapsed builds a PERIOD_ELAPSED packet
func EncodePeriodElapsed(streamID uint32, direction uint8, p PeriodPayload) ([]byte, error) {
	payload := make([]byte, PeriodPayloadHeaderSize+len(p.Data))
	binary.BigEndian.PutUint32(payload[0:4], p.Sequence)
	binary.BigEndian.PutUint32(payload[4:8], p.PositionFrames)
	copy(payload[PeriodPayloadHeaderSize:], p.Data)

	return BuildPacket(PacketTypePeriodElapsed, streamID, direction, payload)
}

// PacketTypeName returns the protocol name of a packet type
func PacketTypeName(ptype uint8) string {
	switch ptype {
	case PacketTypeOpen:
		return "OPEN"
	case PacketTypeHWParams:
		return "HW_PARAMS"
	case PacketTypeHWFree:
		return "HW_FREE"
	case PacketTypePrepare:
		return "PREPARE"
	case PacketTypeTrigger:
		return "TRIGGER"
	case PacketTypePointer:
		return "POINTER"
	case PacketTypeClose:
		return "CLOSE"
	case PacketTypeWrite:
		return "WRITE"
	case PacketTypeResponse:
		return "RESPONSE"
	case PacketTypePeriodElapsed:
		return "PERIOD_ELAPSED"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", ptype)
	}
}

// StatusName returns a readable name for a status code
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusConfig:
		return "config_error"
	case StatusState:
		return "state_error"
	case StatusScheduling:
		return "scheduling_error"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	case StatusExists:
		return "exists"
	default:
		return fmt.Sprintf("status(%d)", status)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var direction string
	switch h.Direction {
	case DirectionPlayback:
		direction = "Playback"
	case DirectionCapture:
		direction = "Capture"
	default:
		direction = fmt.Sprintf("Unknown(0x%02x)", h.Direction)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Direction:%s}",
		PacketTypeName(h.PacketType), h.PacketLen, h.StreamID, direction)
}

// String returns a human-readable representation of the hw_params payload
func (p *HWParamsPayload) String() string {
	return fmt.Sprintf("HWParamsPayload{Rate:%d, Channels:%d, Format:%d, PeriodBytes:%d, BufferBytes:%d}",
		p.Rate, p.Channels, p.Format, p.PeriodBytes, p.BufferBytes)
}

// String returns a human-readable representation of the response payload
func (r *ResponsePayload) String() string {
	return fmt.Sprintf("ResponsePayload{Request:%s, Status:%s, Value:%d}",
		PacketTypeName(r.Request), StatusName(r.Status), r.Value)
}
