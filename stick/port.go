package stick

import (
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"
)

// Porter is the byte-oriented duplex connection to the stick. The real
// implementation sits on a serial port; tests use MockPort.
type Porter interface {
	Open(device string, baud int) error
	Write(p []byte) error
	// ReadSome blocks up to the port read timeout and returns 0, nil
	// when no bytes arrived, so the reader loop can observe shutdown.
	ReadSome(p []byte) (int, error)
	Close() error
}

const portReadTimeout = 200 * time.Millisecond

type serialPort struct {
	port serial.Port
}

func NewSerialPort() Porter { return &serialPort{} }

func (sp *serialPort) Open(device string, baud int) error {
	if baud == 0 {
		baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return errors.Annotatef(err, "stick open %s", device)
	}
	if err = port.SetReadTimeout(portReadTimeout); err != nil {
		port.Close()
		return errors.Trace(err)
	}
	sp.port = port
	return nil
}

func (sp *serialPort) Write(p []byte) error {
	if sp.port == nil {
		return errors.Errorf("stick write: port is not open")
	}
	n, err := sp.port.Write(p)
	if err != nil {
		return errors.Trace(err)
	}
	if n != len(p) {
		return errors.Errorf("stick write: short write %d/%d", n, len(p))
	}
	return nil
}

func (sp *serialPort) ReadSome(p []byte) (int, error) {
	if sp.port == nil {
		return 0, errors.Errorf("stick read: port is not open")
	}
	return sp.port.Read(p)
}

func (sp *serialPort) Close() error {
	if sp.port == nil {
		return nil
	}
	err := sp.port.Close()
	sp.port = nil
	return errors.Trace(err)
}
