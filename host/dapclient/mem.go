package dapclient

import (
	"context"

	"github.com/ardnew/softdap/device/hal/mem"
)

// MemEndpoint is the host side of one endpoint on the in-memory HAL.
// OUT endpoints are written, IN endpoints are read.
type MemEndpoint struct {
	HAL     *mem.HAL
	Address uint8
}

// Write sends p as one packet.
func (e MemEndpoint) Write(p []byte) (int, error) {
	if err := e.HAL.HostWrite(e.Address, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteContext sends p as one packet unless ctx is already done. Host
// writes to the memory HAL never block.
func (e MemEndpoint) WriteContext(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return e.Write(p)
}

// Read waits for the next packet.
func (e MemEndpoint) Read(p []byte) (int, error) {
	return e.HAL.HostReadContext(context.Background(), e.Address, p)
}

// ReadContext waits for the next packet or for ctx to end.
func (e MemEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	return e.HAL.HostReadContext(ctx, e.Address, p)
}

// NewMem returns a client bound to a simulated probe's endpoints. A zero
// swo address leaves the client polling for trace.
func NewMem(h *mem.HAL, out, in, swo uint8, packetSize int) *Client {
	c := New(MemEndpoint{HAL: h, Address: out}, MemEndpoint{HAL: h, Address: in}, packetSize)
	if swo != 0 {
		c.SetSWO(MemEndpoint{HAL: h, Address: swo})
	}
	return c
}
