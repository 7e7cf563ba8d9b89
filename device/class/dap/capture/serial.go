package capture

import (
	"io"

	"github.com/jacobsa/go-serial/serial"
)

// Serial captures UART SWO through a serial port.
type Serial struct {
	*pump
	port string
}

// NewSerial returns a capture source reading portName into sink. The
// port is opened when capture starts, at the rate last set with
// SetBaudrate.
func NewSerial(portName string, sink Sink) *Serial {
	s := &Serial{port: portName}
	s.pump = newPump(portName, sink, s.openPort)
	s.restart = true
	return s
}

// Port returns the serial device path.
func (s *Serial) Port() string {
	return s.port
}

func (s *Serial) openPort(baud uint32) (io.ReadCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:        s.port,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
}
