package hal

import (
	"context"

	"github.com/ardnew/softdap/pkg"
)

// Speed is the negotiated bus speed.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	}
	return "unknown"
}

// BulkPacketSize returns the largest bulk packet allowed at speed s.
func (s Speed) BulkPacketSize() int {
	if s == SpeedHigh {
		return 512
	}
	return 64
}

// EndpointConfig is what a HAL needs to arm a data endpoint.
type EndpointConfig struct {
	Address       uint8 // direction bit included
	Attributes    uint8
	MaxPacketSize uint16
}

// Number returns the endpoint number (0-15).
func (e EndpointConfig) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether the endpoint sends to the host.
func (e EndpointConfig) IsIn() bool { return e.Address&0x80 != 0 }

// EventHandler receives asynchronous controller events.
//
// Calls arrive on the HAL's event context, one at a time, never while the
// HAL holds internal locks, so a handler may call Submit again.
type EventHandler interface {
	// TransferComplete reports the end of the transfer submitted on address.
	// For OUT endpoints n is the number of bytes received; for IN endpoints
	// it is the number of bytes sent.
	TransferComplete(address uint8, status pkg.TransferStatus, n int)

	// BusReset reports a USB bus reset. Pending transfers are dropped
	// without completion.
	BusReset()
}

// DeviceHAL defines the Hardware Abstraction Layer interface for USB device stacks.
//
// Data endpoints are driven asynchronously: Submit hands a buffer to the
// controller and returns at once; the outcome is delivered later through
// the EventHandler. At most one transfer may be outstanding per endpoint.
//
// All methods should be safe for concurrent use.
type DeviceHAL interface {
	// Init initializes the USB controller hardware.
	// The context bounds the lifetime of any event goroutines.
	Init(ctx context.Context) error

	// Start enables the USB controller and attaches to the bus.
	Start() error

	// Stop detaches from the bus and disables the USB controller.
	Stop() error

	// SetEventHandler installs the receiver for completions and resets.
	SetEventHandler(h EventHandler)

	// OpenEndpoint enables a data endpoint.
	OpenEndpoint(cfg EndpointConfig) error

	// CloseEndpoint disables a data endpoint, dropping any armed transfer.
	CloseEndpoint(address uint8) error

	// Submit starts a transfer on an opened endpoint. For OUT endpoints buf
	// receives data; for IN endpoints buf is sent. Returns pkg.ErrBusy if a
	// transfer is already outstanding on address.
	Submit(address uint8, buf []byte) error

	// IsConnected returns true if the device is connected to a host.
	IsConnected() bool

	// GetSpeed returns the negotiated USB connection speed.
	GetSpeed() Speed
}
