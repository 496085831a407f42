package stick

import (
	"github.com/juju/errors"
)

// Outbound action bytes for easy_send.
const (
	ActionStop         byte = 0x10
	ActionTop          byte = 0x20
	ActionTilt         byte = 0x24
	ActionBottom       byte = 0x40
	ActionIntermediate byte = 0x44
)

var actionNames = map[string]byte{
	"stop":         ActionStop,
	"top":          ActionTop,
	"tilt":         ActionTilt,
	"bottom":       ActionBottom,
	"intermediate": ActionIntermediate,
}

func ValidAction(b byte) bool {
	switch b {
	case ActionStop, ActionTop, ActionTilt, ActionBottom, ActionIntermediate:
		return true
	}
	return false
}

func ActionByName(name string) (byte, error) {
	if b, ok := actionNames[name]; ok {
		return b, nil
	}
	return 0, errors.NotValidf("action %q", name)
}

func ActionName(b byte) string {
	for name, x := range actionNames {
		if x == b {
			return name
		}
	}
	return "unknown"
}

// DeviceKind selects the status decode table. The wire format does not
// carry it; it is operator configuration.
type DeviceKind string

const (
	DeviceDrive  DeviceKind = "drive"
	DeviceSwitch DeviceKind = "switch"
)

func (k DeviceKind) Valid() bool { return k == DeviceDrive || k == DeviceSwitch }

// StatusCode is the decoded semantic of an inbound status byte.
type StatusCode string

const (
	StatusUnknown              StatusCode = "unknown"
	StatusTopPosition          StatusCode = "top_position"
	StatusBottomPosition       StatusCode = "bottom_position"
	StatusIntermediatePosition StatusCode = "intermediate_position"
	StatusTiltPosition         StatusCode = "tilt_position"
	StatusMovingUp             StatusCode = "moving_up"
	StatusMovingDown           StatusCode = "moving_down"
	StatusStopped              StatusCode = "stopped"
	StatusOn                   StatusCode = "on"
	StatusOff                  StatusCode = "off"
)

// The protocol is reverse-engineered; these tables cover the bytes
// observed so far and everything else maps to StatusUnknown.
var driveStatus = map[byte]StatusCode{
	0x01: StatusTopPosition,
	0x02: StatusBottomPosition,
	0x03: StatusIntermediatePosition,
	0x04: StatusTiltPosition,
	0x05: StatusMovingUp,
	0x06: StatusMovingDown,
	0x07: StatusStopped,
}

var switchStatus = map[byte]StatusCode{
	0x01: StatusOn,
	0x02: StatusOff,
}

// DecodeStatus is total: unmapped bytes decode to StatusUnknown, never
// an error.
func DecodeStatus(kind DeviceKind, b byte) StatusCode {
	var table map[byte]StatusCode
	switch kind {
	case DeviceSwitch:
		table = switchStatus
	default:
		table = driveStatus
	}
	if s, ok := table[b]; ok {
		return s
	}
	return StatusUnknown
}
