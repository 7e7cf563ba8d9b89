package device

import (
	"fmt"
	"sync/atomic"
)

// Endpoint transfer types (USB 2.0 Table 9-13).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint address direction bits.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Endpoint is an opened data endpoint together with its transfer token.
//
// Whoever wins Claim owns the next transfer on the endpoint. The token is
// held until the completion for that transfer is delivered, or until the
// winner decides not to transfer after all and calls Release. Claim never
// waits, so it may be called from a completion callback or the probe task
// alike.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16

	claimed atomic.Bool
}

// NewEndpoint returns an unclaimed endpoint for d. Port implementations
// call it from OpenEndpoint.
func NewEndpoint(d *EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       d.EndpointAddress,
		Attributes:    d.Attributes,
		MaxPacketSize: d.MaxPacketSize,
	}
}

// Number returns the endpoint number without the direction bit.
func (e *Endpoint) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether the endpoint sends to the host.
func (e *Endpoint) IsIn() bool { return e.Address&EndpointDirectionIn != 0 }

// IsBulk reports whether the endpoint uses bulk transfers.
func (e *Endpoint) IsBulk() bool { return e.Attributes&0x03 == EndpointTypeBulk }

// Claim takes the transfer token, reporting false at once if another
// context holds it.
func (e *Endpoint) Claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// Release returns the transfer token.
func (e *Endpoint) Release() {
	e.claimed.Store(false)
}

// Claimed reports whether the token is currently held.
func (e *Endpoint) Claimed() bool {
	return e.claimed.Load()
}

// String formats the endpoint as "0x81 bulk in".
func (e *Endpoint) String() string {
	dir := "out"
	if e.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("0x%02X %s %s", e.Address, transferTypeNames[e.Attributes&0x03], dir)
}

var transferTypeNames = [4]string{
	EndpointTypeControl:     "control",
	EndpointTypeIsochronous: "isochronous",
	EndpointTypeBulk:        "bulk",
	EndpointTypeInterrupt:   "interrupt",
}
