package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the lifecycle state of a substream.
type State int32

const (
	StateClosed State = iota
	StateOpened
	StateConfigured
	StatePrepared
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Direction selects the playback or capture half of a stream. Values match
// the direction byte of the control protocol.
type Direction uint8

const (
	Playback Direction = 0x01
	Capture  Direction = 0x02
)

func (d Direction) String() string {
	switch d {
	case Playback:
		return "playback"
	case Capture:
		return "capture"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is playback or capture.
func (d Direction) Valid() bool {
	return d == Playback || d == Capture
}

// MarshalText renders the direction name in JSON output.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDirection parses "playback" or "capture".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "playback":
		return Playback, nil
	case "capture":
		return Capture, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// TriggerCmd is a trigger command. Values follow SNDRV_PCM_TRIGGER_*.
type TriggerCmd int

const (
	TriggerStop  TriggerCmd = 0
	TriggerStart TriggerCmd = 1
)

func (c TriggerCmd) String() string {
	switch c {
	case TriggerStop:
		return "stop"
	case TriggerStart:
		return "start"
	default:
		return "trigger(" + strconv.Itoa(int(c)) + ")"
	}
}

// Key addresses one substream of the card.
type Key struct {
	StreamID  uint32
	Direction Direction
}

// String formats the key as "<id>-<direction>", e.g. "42-playback".
func (k Key) String() string {
	return strconv.FormatUint(uint64(k.StreamID), 10) + "-" + k.Direction.String()
}

// ParseKey parses the form produced by Key.String.
func ParseKey(s string) (Key, error) {
	id, dir, ok := strings.Cut(s, "-")
	if !ok {
		return Key{}, fmt.Errorf("invalid substream key %q", s)
	}

	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("invalid stream id in %q: %w", s, err)
	}

	d, err := ParseDirection(dir)
	if err != nil {
		return Key{}, err
	}

	return Key{StreamID: uint32(n), Direction: d}, nil
}
