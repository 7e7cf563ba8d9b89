package dap

import (
	"fmt"

	"github.com/ardnew/softdap/pkg"
)

// TransportMode selects how SWO bytes reach the host. The values are the
// SWO_Transport wire encoding.
type TransportMode uint8

// SWO transport modes.
const (
	TransportNone   TransportMode = 0 // no delivery
	TransportPoll   TransportMode = 1 // host pulls with SWO_Data
	TransportStream TransportMode = 2 // device pushes on the SWO endpoint
)

// String returns the transport name.
func (m TransportMode) String() string {
	switch m {
	case TransportNone:
		return "none"
	case TransportPoll:
		return "poll"
	case TransportStream:
		return "stream"
	default:
		return fmt.Sprintf("TransportMode(%d)", uint8(m))
	}
}

// TransportSet is a set of supported transport modes.
type TransportSet uint8

// Transport capability bits.
const (
	SupportPoll   TransportSet = 1 << TransportPoll
	SupportStream TransportSet = 1 << TransportStream
)

// Has reports whether m is in the set. TransportNone is always supported.
func (s TransportSet) Has(m TransportMode) bool {
	return m == TransportNone || s&(1<<m) != 0
}

// Config holds the construction parameters of one DAP interface.
type Config struct {
	// PacketSize is the MTU of every request and response slot.
	PacketSize int

	// PacketCount is the capacity of each packet ring. It must be a power
	// of two no larger than MaxPacketCount so 8-bit counters wrap cleanly.
	PacketCount int

	// SWOBufferSize is the trace FIFO capacity in bytes.
	SWOBufferSize int

	// SWOChunkSize bounds one streamed SWO transfer.
	SWOChunkSize int

	// SWOTransports lists the transports constructed for this interface.
	SWOTransports TransportSet

	// OnTransferAbort runs on the event context when a TransferAbort
	// packet arrives. The argument is the interface index.
	OnTransferAbort func(itf int)

	// OnSWOWriteComplete runs on the event context after each streamed
	// SWO chunk has been sent.
	OnSWOWriteComplete func(itf int)
}

// DefaultConfig returns a full-speed configuration with both SWO
// transports enabled.
func DefaultConfig() Config {
	return Config{
		PacketSize:    PacketSizeFullSpeed,
		PacketCount:   8,
		SWOBufferSize: 4096,
		SWOChunkSize:  PacketSizeHighSpeed,
		SWOTransports: SupportPoll | SupportStream,
	}
}

// Validate checks the configuration and fills no-op handlers.
func (c *Config) Validate() error {
	if c.PacketSize < 4 || c.PacketSize > 0xFFFF {
		return fmt.Errorf("packet size %d: %w", c.PacketSize, pkg.ErrInvalidParameter)
	}
	n := c.PacketCount
	if n < 1 || n > MaxPacketCount || n&(n-1) != 0 {
		return fmt.Errorf("packet count %d must be a power of two in [1,%d]: %w",
			n, MaxPacketCount, pkg.ErrInvalidParameter)
	}
	if c.SWOBufferSize < 0 {
		return fmt.Errorf("swo buffer size %d: %w", c.SWOBufferSize, pkg.ErrInvalidParameter)
	}
	if c.SWOChunkSize <= 0 {
		c.SWOChunkSize = PacketSizeHighSpeed
	}
	if c.OnTransferAbort == nil {
		c.OnTransferAbort = func(int) {}
	}
	if c.OnSWOWriteComplete == nil {
		c.OnSWOWriteComplete = func(int) {}
	}
	return nil
}
