package dap

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softdap/device"
	"github.com/ardnew/softdap/pkg"
)

// binding holds the endpoints of a mounted interface. It is replaced as a
// whole, so readers on either context see a consistent set.
type binding struct {
	port   device.Port
	number uint8
	out    *device.Endpoint
	in     *device.Endpoint
	swo    *device.Endpoint // nil when the interface has no trace endpoint
}

// Stats counts interface activity. All fields are snapshots.
type Stats struct {
	RequestsReceived uint64 // OUT packets made visible to AcquireRequest
	RequestsAborted  uint64 // TransferAbort packets
	ResponsesSent    uint64 // IN transfers completed
	ResponseOverruns uint64 // times the response ring filled with a request waiting
	SubmitFailures   uint64 // transfers the HAL refused
	SWOBytesIn       uint64 // trace bytes accepted by Enqueue
	SWOBytesDropped  uint64 // trace bytes lost to overflow
	SWOChunksSent    uint64 // streamed trace transfers completed
}

// Interface is one CMSIS-DAP v2 bulk interface: a request ring fed by the
// OUT endpoint, a response ring drained through the IN endpoint, and an
// SWO trace FIFO with an optional streaming endpoint.
//
// The request ring's write counter and the response ring's read counter
// move only on the event context (TransferComplete). The request read
// counter and response write counter move only on the foreground context
// (AcquireRequest through ReleaseResponse). A single foreground goroutine
// must drive those methods.
//
// A bus reset empties both rings from the event context. The rings then
// move to a new epoch, and a release made by the foreground for a slot
// it acquired before the reset is discarded.
type Interface struct {
	index int
	cfg   Config

	binding atomic.Pointer[binding]

	req   *packetRing
	rsp   *packetRing
	swo   *SWO
	epoch atomic.Uint32

	ready chan struct{}

	// Foreground only.
	reqEpoch   uint32
	rspEpoch   uint32
	rspBlocked bool

	requestsReceived atomic.Uint64
	requestsAborted  atomic.Uint64
	responsesSent    atomic.Uint64
	responseOverruns atomic.Uint64
	submitFailures   atomic.Uint64
}

// NewInterface creates interface number index with its buffer pools.
func NewInterface(index int, cfg Config) (*Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Interface{
		index: index,
		cfg:   cfg,
		req:   newPacketRing(cfg.PacketCount, cfg.PacketSize),
		rsp:   newPacketRing(cfg.PacketCount, cfg.PacketSize),
		ready: make(chan struct{}, 1),
	}
	i.swo = newSWO(i, &i.cfg)
	return i, nil
}

// Index returns the interface index given at construction.
func (i *Interface) Index() int {
	return i.index
}

// Config returns the validated configuration.
func (i *Interface) Config() Config {
	return i.cfg
}

// SWO returns the trace FIFO.
func (i *Interface) SWO() *SWO {
	return i.swo
}

// Mounted reports whether both bulk endpoints are bound.
func (i *Interface) Mounted() bool {
	return i.binding.Load() != nil
}

// Ready is signalled whenever a request packet arrives, and whenever a
// response slot frees while requests are waiting. It never blocks the
// event context; one pending signal may stand for many packets.
func (i *Interface) Ready() <-chan struct{} {
	return i.ready
}

// Stats returns a snapshot of the interface counters.
func (i *Interface) Stats() Stats {
	return Stats{
		RequestsReceived: i.requestsReceived.Load(),
		RequestsAborted:  i.requestsAborted.Load(),
		ResponsesSent:    i.responsesSent.Load(),
		ResponseOverruns: i.responseOverruns.Load(),
		SubmitFailures:   i.submitFailures.Load(),
		SWOBytesIn:       i.swo.bytesIn.Load(),
		SWOBytesDropped:  i.swo.bytesDropped.Load(),
		SWOChunksSent:    i.swo.chunksSent.Load(),
	}
}

// AcquireRequest returns the next request slot to execute, trimmed to its
// received length. A run of QueueCommands packets is withheld until the
// packet that ends the batch has arrived; at that point every queued
// packet in the run is relabelled ExecuteCommands so each slot can be
// executed on its own. Calling it again before ReleaseRequest returns the
// same slot.
func (i *Interface) AcquireRequest() ([]byte, bool) {
	epoch, wp, rp, ok := i.req.snapshot()
	if !ok {
		return nil, false
	}
	i.reqEpoch = epoch

	cur := rp
	for cur != wp && i.req.slot(cur)[0] == CmdQueueCommands {
		cur++
	}
	if cur == wp {
		return nil, false
	}
	for c := rp; c != cur; c++ {
		i.req.slot(c)[0] = CmdExecuteCommands
	}
	return i.req.slot(rp)[:i.req.sizeOf(rp)], true
}

// ReleaseRequest frees the slot returned by AcquireRequest and re-arms
// reception if the ring had been full.
func (i *Interface) ReleaseRequest() {
	if !i.req.commitRead(i.reqEpoch) {
		return
	}
	if b := i.binding.Load(); b != nil {
		i.armOut(b)
	}
}

// AcquireResponse returns the next free response slot (one full MTU). It
// returns false when every slot is waiting to be sent; that is counted and
// logged once until a slot frees again.
func (i *Interface) AcquireResponse() ([]byte, bool) {
	epoch, wp, rp, ok := i.rsp.snapshot()
	if !ok {
		return nil, false
	}
	if int(wp-rp) >= i.rsp.capacity() {
		if !i.rspBlocked {
			i.rspBlocked = true
			i.responseOverruns.Add(1)
			pkg.LogWarn(pkg.ComponentDAP, "response ring full",
				"itf", i.index, "capacity", i.rsp.capacity())
		}
		return nil, false
	}
	i.rspBlocked = false
	i.rspEpoch = epoch
	return i.rsp.slot(wp), true
}

// ReleaseResponse commits n bytes of the slot returned by AcquireResponse
// and starts transmission if the IN endpoint is idle. The response is
// dropped if a bus reset emptied the ring after the slot was acquired.
func (i *Interface) ReleaseResponse(n int) {
	n = max(0, min(n, i.cfg.PacketSize))
	if !i.rsp.commitWrite(i.rspEpoch, n) {
		pkg.LogDebug(pkg.ComponentDAP, "response discarded",
			"itf", i.index, "reason", "reset or full ring")
		return
	}
	if b := i.binding.Load(); b != nil {
		i.transmit(b)
	}
}

// armOut claims the OUT endpoint and arms reception into the slot at the
// request write counter. Without space the claim is returned unused.
//
// armOut, transmit and SWO.drain share one shape: after returning an
// unused claim they test their condition again. The other context may
// have made room (or queued data) while the claim was held and then
// failed its own Claim; the second test picks that work up.
func (i *Interface) armOut(b *binding) bool {
	for {
		if !b.out.Claim() {
			return false
		}
		if !i.req.full() {
			break
		}
		b.out.Release()
		if i.req.full() {
			return false
		}
	}
	slot := i.req.slot(i.req.write())
	if err := b.port.Submit(b.out, slot); err != nil {
		b.out.Release()
		i.submitFailed(b.out.Address, err)
		return false
	}
	return true
}

// transmit claims the IN endpoint and sends the oldest queued response.
func (i *Interface) transmit(b *binding) bool {
	for {
		if !b.in.Claim() {
			return false
		}
		if i.rsp.occupancy() > 0 {
			break
		}
		b.in.Release()
		if i.rsp.occupancy() == 0 {
			return false
		}
	}
	rp := i.rsp.read()
	if err := b.port.Submit(b.in, i.rsp.slot(rp)[:i.rsp.sizeOf(rp)]); err != nil {
		b.in.Release()
		i.submitFailed(b.in.Address, err)
		return false
	}
	return true
}

func (i *Interface) submitFailed(address uint8, err error) {
	i.submitFailures.Add(1)
	pkg.LogWarn(pkg.ComponentDAP, "transfer submission failed",
		"itf", i.index,
		"endpoint", fmt.Sprintf("0x%02X", address),
		"error", err)
}

// Task retries any transfer whose submission failed earlier. Foreground
// loops call it once per pass.
func (i *Interface) Task() {
	b := i.binding.Load()
	if b == nil {
		return
	}
	i.armOut(b)
	i.transmit(b)
	if i.swo.Transport() == TransportStream {
		i.swo.drain()
	}
}

// Open binds the interface to the vendor-class interface descriptor at
// the head of desc. The first bulk OUT and bulk IN endpoints carry
// commands; a second bulk IN endpoint, if present, carries SWO trace.
// It returns the number of descriptor bytes consumed, or 0.
func (i *Interface) Open(port device.Port, desc []byte) int {
	if i.Mounted() {
		return 0
	}
	id, err := device.ParseInterfaceDescriptor(desc)
	if err != nil {
		return 0
	}
	if id.InterfaceClass != device.ClassVendor {
		return 0
	}

	b := &binding{port: port, number: id.InterfaceNumber}
	consumed := device.InterfaceDescriptorSize
	rest := desc[device.InterfaceDescriptorSize:]
	for found := 0; found < int(id.NumEndpoints) && len(rest) > 0; {
		d, next, err := device.NextDescriptor(rest)
		if err != nil || device.DescriptorType(d) == device.DescriptorTypeInterface {
			break
		}
		consumed += len(d)
		rest = next
		if device.DescriptorType(d) != device.DescriptorTypeEndpoint {
			continue
		}
		found++

		ed, err := device.ParseEndpointDescriptor(d)
		if err != nil {
			continue
		}
		if ed.Attributes&0x03 != device.EndpointTypeBulk {
			continue
		}
		var slot **device.Endpoint
		switch {
		case ed.EndpointAddress&device.EndpointDirectionIn == 0 && b.out == nil:
			slot = &b.out
		case ed.EndpointAddress&device.EndpointDirectionIn != 0 && b.in == nil:
			slot = &b.in
		case ed.EndpointAddress&device.EndpointDirectionIn != 0 && b.swo == nil:
			slot = &b.swo
		default:
			continue
		}
		ep, err := port.OpenEndpoint(&ed)
		if err != nil {
			pkg.LogWarn(pkg.ComponentDAP, "endpoint open failed",
				"itf", i.index, "endpoint", fmt.Sprintf("0x%02X", ed.EndpointAddress), "error", err)
			closeBinding(b)
			return 0
		}
		*slot = ep
	}
	if b.out == nil || b.in == nil {
		closeBinding(b)
		return 0
	}

	i.binding.Store(b)
	pkg.LogInfo(pkg.ComponentDAP, "interface opened",
		"itf", i.index,
		"number", b.number,
		"out", b.out.String(),
		"in", b.in.String(),
		"swo", b.swo != nil)

	i.armOut(b)
	i.transmit(b)
	return consumed
}

func closeBinding(b *binding) {
	for _, ep := range []*device.Endpoint{b.out, b.in, b.swo} {
		if ep != nil {
			b.port.CloseEndpoint(ep)
		}
	}
}

// Reset handles a bus reset: both rings and the SWO FIFO are emptied,
// buffer memory is kept, and the endpoints are forgotten until the next
// Open.
func (i *Interface) Reset() {
	i.binding.Store(nil)
	epoch := i.epoch.Add(1)
	i.req.clear(epoch)
	i.rsp.clear(epoch)
	i.swo.reset()
	pkg.LogDebug(pkg.ComponentDAP, "interface reset", "itf", i.index)
}

// Close unbinds and closes the interface's endpoints.
func (i *Interface) Close() error {
	b := i.binding.Swap(nil)
	if b == nil {
		return nil
	}
	closeBinding(b)
	pkg.LogDebug(pkg.ComponentDAP, "interface closed", "itf", i.index)
	return nil
}

// TransferComplete dispatches a completion on the event context. It
// returns false when address is not one of this interface's endpoints.
func (i *Interface) TransferComplete(address uint8, status pkg.TransferStatus, n int) bool {
	b := i.binding.Load()
	if b == nil {
		return false
	}
	switch {
	case address == b.out.Address:
		i.outComplete(b, status, n)
	case address == b.in.Address:
		i.inComplete(b, status)
	case b.swo != nil && address == b.swo.Address:
		i.swo.complete(b, status, n)
	default:
		return false
	}
	return true
}

// outComplete records a received packet. Counters move before the claim
// is returned so a racing armOut can never target the slot just filled.
func (i *Interface) outComplete(b *binding, status pkg.TransferStatus, n int) {
	if status == pkg.TransferStatusSuccess && n > 0 {
		wp := i.req.write()
		i.req.setSize(wp, n)
		if i.req.slot(wp)[0] == CmdTransferAbort {
			i.requestsAborted.Add(1)
			pkg.LogDebug(pkg.ComponentDAP, "transfer abort received", "itf", i.index)
			i.cfg.OnTransferAbort(i.index)
		} else {
			i.req.advanceWrite()
			i.requestsReceived.Add(1)
			i.signal()
		}
	} else if status != pkg.TransferStatusSuccess {
		pkg.LogWarn(pkg.ComponentDAP, "request transfer failed",
			"itf", i.index, "status", status.String())
	}
	b.out.Release()
	i.armOut(b)
}

// inComplete frees the slot that was just sent and starts the next one.
// A failed transfer leaves the slot queued for another attempt.
func (i *Interface) inComplete(b *binding, status pkg.TransferStatus) {
	if status == pkg.TransferStatusSuccess {
		i.rsp.advanceRead()
		i.responsesSent.Add(1)
	} else {
		pkg.LogWarn(pkg.ComponentDAP, "response transfer failed",
			"itf", i.index, "status", status.String())
	}
	b.in.Release()
	i.transmit(b)
	if status == pkg.TransferStatusSuccess && i.req.occupancy() > 0 {
		i.signal()
	}
}

func (i *Interface) signal() {
	select {
	case i.ready <- struct{}{}:
	default:
	}
}

var _ device.ClassDriver = (*Interface)(nil)
