package usbserial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long Run blocks in one serial read before it
// re-checks for cancellation.
const pollInterval = 100 * time.Millisecond

// OpenPort opens a serial device at 8N1 with a short read timeout so that a
// Run loop over it stays responsive to cancellation.
func OpenPort(name string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial %s read timeout: %w", name, err)
	}
	return port, nil
}

// Ports lists the serial devices present on this machine.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
