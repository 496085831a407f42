// Package stick speaks the binary serial protocol of the radio
// transmitter USB stick that operates motorized blinds and switches.
// It contains the frame codec and the command dispatcher that owns the
// single half-duplex channel to the hardware.
package stick

import (
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const (
	FrameHeader byte = 0xAA

	// header + length + command + longest payload (3) + checksum
	FrameMaxLength = 7

	// minimum bytes to even read the length field
	frameMinParse = 3
)

// Request commands (outbound) and response commands (inbound).
const (
	CmdEasyCheck   byte = 0x4A
	CmdEasyConfirm byte = 0x4B
	CmdEasySend    byte = 0x4C
	CmdEasyAck     byte = 0x4D
	CmdEasyInfo    byte = 0x4E
)

// Frame is one complete decoded protocol message, header and checksum
// already stripped and verified.
type Frame struct {
	Command byte
	Payload []byte
}

func (f Frame) Format() string {
	if len(f.Payload) == 0 {
		return fmt.Sprintf("%02x", f.Command)
	}
	return fmt.Sprintf("%02x %s", f.Command, hex.EncodeToString(f.Payload))
}

type InvalidChecksum struct {
	Received byte
	Actual   byte
}

func (e InvalidChecksum) Error() string {
	return fmt.Sprintf("stick: invalid checksum received=%02x actual=%02x", e.Received, e.Actual)
}

type InvalidHeader struct {
	Received byte
}

func (e InvalidHeader) Error() string {
	return fmt.Sprintf("stick: invalid frame header received=%02x expected=%02x", e.Received, FrameHeader)
}

// Checksum computes the additive frame checksum: appending the result
// to the summed range makes the total sum 0 mod 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}
	return byte((256 - int(sum)%256) % 256)
}

// BuildFrame emits [header, length, command, payload..., checksum]
// where length counts every byte after the length field: command,
// payload and checksum.
func BuildFrame(cmd byte, payload []byte) []byte {
	b := make([]byte, 0, 4+len(payload))
	b = append(b, FrameHeader, byte(2+len(payload)), cmd)
	b = append(b, payload...)
	b = append(b, Checksum(b))
	return b
}

func BuildCheck() []byte { return BuildFrame(CmdEasyCheck, nil) }

func BuildInfo(channel int) ([]byte, error) {
	hi, lo, err := ChannelToBytes(channel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return BuildFrame(CmdEasyInfo, []byte{hi, lo}), nil
}

func BuildSend(channel int, action byte) ([]byte, error) {
	hi, lo, err := ChannelToBytes(channel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ValidAction(action) {
		return nil, errors.NotValidf("action %02x", action)
	}
	return BuildFrame(CmdEasySend, []byte{hi, lo, action}), nil
}

// ParseFrame attempts to decode one frame from the head of b.
// Returns consumed=0 with nil error when more bytes are needed. On a
// header or checksum error the declared frame length is consumed so
// the caller can drop the corrupt frame and continue with the rest of
// the stream.
func ParseFrame(b []byte) (Frame, int, error) {
	if len(b) < frameMinParse {
		return Frame{}, 0, nil
	}
	total := 2 + int(b[1])
	if len(b) < total {
		return Frame{}, 0, nil
	}
	if b[0] != FrameHeader {
		return Frame{}, total, InvalidHeader{Received: b[0]}
	}
	received := b[total-1]
	actual := Checksum(b[:total-1])
	if received != actual {
		return Frame{}, total, InvalidChecksum{Received: received, Actual: actual}
	}
	f := Frame{Command: b[2]}
	if total > 4 {
		f.Payload = append([]byte(nil), b[3:total-1]...)
	}
	return f, total, nil
}

// ReadBuffer reassembles frames from a byte stream with arbitrary
// delivery boundaries. Feed() and Next() must be called from a single
// goroutine; the dispatcher loop owns it exclusively.
type ReadBuffer struct {
	b []byte
}

func (rb *ReadBuffer) Feed(p []byte) {
	rb.b = append(rb.b, p...)
}

func (rb *ReadBuffer) Len() int { return len(rb.b) }

func (rb *ReadBuffer) Reset() { rb.b = rb.b[:0] }

// Next pops one complete frame. ok=false with nil error means the
// buffered bytes do not yet form a complete frame. A non-nil error
// reports one dropped corrupt frame; calling Next again continues
// with the remainder of the stream.
func (rb *ReadBuffer) Next() (Frame, bool, error) {
	f, n, err := ParseFrame(rb.b)
	if n == 0 {
		return Frame{}, false, nil
	}
	rb.b = rb.b[:copy(rb.b, rb.b[n:])]
	if err != nil {
		return Frame{}, false, errors.Trace(err)
	}
	return f, true, nil
}
