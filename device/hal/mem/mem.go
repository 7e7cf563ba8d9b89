package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/pkg"
)

// MaxEndpointAddresses covers OUT 0x00-0x0F and IN 0x80-0x8F.
const MaxEndpointAddresses = 32

// MaxPendingOut bounds the host packets queued on an OUT endpoint that the
// device has not armed yet. Further writes fail with pkg.ErrNoResources.
const MaxPendingOut = 256

type eventKind uint8

const (
	eventComplete eventKind = iota
	eventReset
)

type event struct {
	kind    eventKind
	address uint8
	status  pkg.TransferStatus
	n       int
}

type endpoint struct {
	cfg   hal.EndpointConfig
	open  bool
	armed []byte // buffer handed over by Submit, nil when idle

	// OUT: host packets waiting for the device to arm
	pending [][]byte
}

// HAL implements hal.DeviceHAL entirely in memory, with a host side that
// tests and the simulator drive directly.
//
// Device submissions and host calls only queue events. Events are handed
// to the EventHandler by Step, Drain, or Run, which together form the
// single event context: no two deliveries ever overlap.
type HAL struct {
	mutex     sync.Mutex
	handler   hal.EventHandler
	speed     hal.Speed
	initDone  bool
	running   bool
	endpoints [MaxEndpointAddresses]endpoint
	events    []event

	// signal wakes Run when events are queued.
	signal chan struct{}
	// inReady is closed and replaced whenever an IN transfer is armed.
	inReady chan struct{}

	deliver sync.Mutex
}

// New creates an in-memory HAL reporting the given speed.
func New(speed hal.Speed) *HAL {
	return &HAL{
		speed:   speed,
		signal:  make(chan struct{}, 1),
		inReady: make(chan struct{}),
	}
}

func index(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// Init prepares the HAL. It may be called once.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.initDone {
		return pkg.ErrAlreadyRunning
	}
	h.initDone = true
	pkg.LogDebug(pkg.ComponentHAL, "memory HAL initialized", "speed", h.speed.String())
	return nil
}

// Start attaches the simulated device.
func (h *HAL) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.initDone {
		return pkg.ErrNotConfigured
	}
	h.running = true
	pkg.LogInfo(pkg.ComponentHAL, "memory HAL started")
	return nil
}

// Stop detaches the simulated device and drops every armed transfer.
func (h *HAL) Stop() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.running = false
	for i := range h.endpoints {
		h.endpoints[i] = endpoint{}
	}
	h.events = h.events[:0]
	pkg.LogInfo(pkg.ComponentHAL, "memory HAL stopped")
	return nil
}

// SetEventHandler installs the completion receiver.
func (h *HAL) SetEventHandler(handler hal.EventHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handler = handler
}

// OpenEndpoint enables a data endpoint.
func (h *HAL) OpenEndpoint(cfg hal.EndpointConfig) error {
	if cfg.Number() == 0 {
		return fmt.Errorf("open endpoint 0x%02X: %w", cfg.Address, pkg.ErrInvalidEndpoint)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := &h.endpoints[index(cfg.Address)]
	if ep.open {
		return fmt.Errorf("open endpoint 0x%02X: %w", cfg.Address, pkg.ErrBusy)
	}
	*ep = endpoint{cfg: cfg, open: true}
	pkg.LogDebug(pkg.ComponentHAL, "endpoint opened",
		"address", fmt.Sprintf("0x%02X", cfg.Address),
		"maxPacket", cfg.MaxPacketSize)
	return nil
}

// CloseEndpoint disables a data endpoint.
func (h *HAL) CloseEndpoint(address uint8) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := &h.endpoints[index(address)]
	if !ep.open {
		return fmt.Errorf("close endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	*ep = endpoint{}
	return nil
}

// Submit arms a transfer. OUT transfers complete when the host writes a
// packet; IN transfers complete when the host reads.
func (h *HAL) Submit(address uint8, buf []byte) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.running {
		return pkg.ErrNotRunning
	}
	ep := &h.endpoints[index(address)]
	if !ep.open {
		return fmt.Errorf("submit 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if ep.armed != nil {
		return fmt.Errorf("submit 0x%02X: %w", address, pkg.ErrBusy)
	}
	if buf == nil {
		buf = []byte{}
	}
	ep.armed = buf

	if ep.cfg.IsIn() {
		close(h.inReady)
		h.inReady = make(chan struct{})
		return nil
	}
	if len(ep.pending) > 0 {
		p := ep.pending[0]
		ep.pending[0] = nil
		ep.pending = ep.pending[1:]
		h.completeOutLocked(address, ep, p)
	}
	return nil
}

// completeOutLocked copies a host packet into the armed OUT buffer.
func (h *HAL) completeOutLocked(address uint8, ep *endpoint, p []byte) {
	n := copy(ep.armed, p)
	status := pkg.TransferStatusSuccess
	if n < len(p) {
		status = pkg.TransferStatusOverrun
	}
	ep.armed = nil
	h.pushLocked(event{kind: eventComplete, address: address, status: status, n: n})
}

func (h *HAL) pushLocked(ev event) {
	h.events = append(h.events, ev)
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the device is attached.
func (h *HAL) IsConnected() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.running
}

// GetSpeed returns the simulated bus speed.
func (h *HAL) GetSpeed() hal.Speed {
	return h.speed
}

// HostWrite sends one packet from the host to an OUT endpoint. If the
// device has not armed the endpoint the packet waits, as a NAKed host
// transfer would be retried.
func (h *HAL) HostWrite(address uint8, p []byte) error {
	if address&0x80 != 0 {
		return fmt.Errorf("host write 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := &h.endpoints[index(address)]
	if !ep.open {
		return fmt.Errorf("host write 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if len(p) > int(ep.cfg.MaxPacketSize) {
		return fmt.Errorf("host write %d bytes, max packet %d: %w",
			len(p), ep.cfg.MaxPacketSize, pkg.ErrInvalidParameter)
	}
	pkt := append([]byte(nil), p...)
	if ep.armed != nil && len(ep.pending) == 0 {
		h.completeOutLocked(address, ep, pkt)
		return nil
	}
	if len(ep.pending) >= MaxPendingOut {
		return fmt.Errorf("host write 0x%02X: %w", address, pkg.ErrNoResources)
	}
	ep.pending = append(ep.pending, pkt)
	return nil
}

// HostRead takes the armed IN transfer on address, if any, copying it to
// p. It returns false when the device has nothing armed.
func (h *HAL) HostRead(address uint8, p []byte) (int, bool, error) {
	if address&0x80 == 0 {
		return 0, false, fmt.Errorf("host read 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := &h.endpoints[index(address)]
	if !ep.open {
		return 0, false, fmt.Errorf("host read 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if ep.armed == nil {
		return 0, false, nil
	}
	if len(p) < len(ep.armed) {
		return 0, false, fmt.Errorf("host read %d into %d: %w",
			len(ep.armed), len(p), pkg.ErrBufferTooSmall)
	}
	n := copy(p, ep.armed)
	ep.armed = nil
	h.pushLocked(event{kind: eventComplete, address: address, status: pkg.TransferStatusSuccess, n: n})
	return n, true, nil
}

// HostReadContext blocks until the device arms address, then reads it.
// Events are not delivered here; a Run loop must be active for the device
// to make progress.
func (h *HAL) HostReadContext(ctx context.Context, address uint8, p []byte) (int, error) {
	for {
		h.mutex.Lock()
		ready := h.inReady
		h.mutex.Unlock()

		n, ok, err := h.HostRead(address, p)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ready:
		}
	}
}

// Reset simulates a bus reset: every endpoint is closed, armed transfers
// and undelivered completions are dropped, and BusReset is queued.
func (h *HAL) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i := range h.endpoints {
		h.endpoints[i] = endpoint{}
	}
	h.events = h.events[:0]
	h.pushLocked(event{kind: eventReset})
	pkg.LogDebug(pkg.ComponentHAL, "bus reset")
}

// Pending returns the number of queued, undelivered events.
func (h *HAL) Pending() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.events)
}

// Step delivers one queued event. It returns false if none was queued.
func (h *HAL) Step() bool {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mutex.Lock()
	if len(h.events) == 0 {
		h.mutex.Unlock()
		return false
	}
	ev := h.events[0]
	h.events = h.events[1:]
	handler := h.handler
	h.mutex.Unlock()

	if handler == nil {
		return true
	}
	switch ev.kind {
	case eventReset:
		handler.BusReset()
	default:
		handler.TransferComplete(ev.address, ev.status, ev.n)
	}
	return true
}

// Drain delivers events until none remain, including any queued by the
// handler while draining. It returns the number delivered.
func (h *HAL) Drain() int {
	n := 0
	for h.Step() {
		n++
	}
	return n
}

// Run delivers events as they are queued until ctx is done.
func (h *HAL) Run(ctx context.Context) error {
	for {
		h.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.signal:
		}
	}
}

var _ hal.DeviceHAL = (*HAL)(nil)
