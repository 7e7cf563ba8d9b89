package dap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softdap/device"
	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/device/hal/mem"
	"github.com/ardnew/softdap/pkg"
)

// probe is a DAP interface mounted on the in-memory HAL.
type probe struct {
	hal   *mem.HAL
	stack *device.Stack
	drv   *Driver
	itf   *Interface
}

func newProbe(t *testing.T, cfg Config, withSWO bool) *probe {
	t.Helper()
	h := mem.New(hal.SpeedFull)
	drv, err := NewDriver(1, cfg)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	st := device.NewStack(h, drv)
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Stop() })

	var swo uint8
	if withSWO {
		swo = 0x82
	}
	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, swo, uint16(drv.Interface(0).cfg.PacketSize))
	if err := st.Configure(desc); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return &probe{hal: h, stack: st, drv: drv, itf: drv.Interface(0)}
}

// send writes one request packet from the host and delivers the events.
func (p *probe) send(t *testing.T, pkt ...byte) {
	t.Helper()
	if err := p.hal.HostWrite(0x01, pkt); err != nil {
		t.Fatalf("HostWrite() error = %v", err)
	}
	p.hal.Drain()
}

// recv reads one response packet and delivers its completion.
func (p *probe) recv(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, p.itf.cfg.PacketSize)
	n, ok, err := p.hal.HostRead(0x81, buf)
	if err != nil {
		t.Fatalf("HostRead() error = %v", err)
	}
	if !ok {
		t.Fatal("HostRead() found no response armed")
	}
	p.hal.Drain()
	return buf[:n]
}

func (p *probe) idle(t *testing.T) {
	t.Helper()
	buf := make([]byte, p.itf.cfg.PacketSize)
	if _, ok, _ := p.hal.HostRead(0x81, buf); ok {
		t.Fatal("HostRead() found a response, want none")
	}
}

func testConfig(count int) Config {
	cfg := DefaultConfig()
	cfg.PacketCount = count
	return cfg
}

var echo = ExecutorFunc(func(req, rsp []byte) int {
	return copy(rsp, req)
})

func TestInterfaceRoundTrip(t *testing.T) {
	p := newProbe(t, testConfig(4), false)

	if !p.itf.Mounted() {
		t.Fatal("Mounted() = false after Configure")
	}
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Fatal("AcquireRequest() = true with nothing sent")
	}

	p.send(t, 0x00, 0x04)

	select {
	case <-p.itf.Ready():
	default:
		t.Error("Ready() not signalled")
	}
	if !p.itf.Service(echo) {
		t.Fatal("Service() = false")
	}
	if got := p.recv(t); !bytes.Equal(got, []byte{0x00, 0x04}) {
		t.Errorf("response = % X, want 00 04", got)
	}

	st := p.itf.Stats()
	if st.RequestsReceived != 1 || st.ResponsesSent != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestInterfaceAcquireIsIdempotent(t *testing.T) {
	p := newProbe(t, testConfig(4), false)
	p.send(t, 0x01, 0x02, 0x03)

	a, ok := p.itf.AcquireRequest()
	if !ok {
		t.Fatal("AcquireRequest() = false")
	}
	b, _ := p.itf.AcquireRequest()
	if &a[0] != &b[0] || len(a) != 3 {
		t.Error("repeated AcquireRequest() returned a different slot")
	}

	p.itf.ReleaseRequest()
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Error("AcquireRequest() = true after release")
	}
	p.itf.ReleaseRequest() // no-op on empty ring
	if st := p.itf.Stats(); st.RequestsReceived != 1 {
		t.Errorf("RequestsReceived = %d, want 1", st.RequestsReceived)
	}
}

func TestInterfaceQueueCoalescing(t *testing.T) {
	p := newProbe(t, testConfig(8), false)

	p.send(t, CmdQueueCommands, 1, CmdInfo, 0x01)
	p.send(t, CmdQueueCommands, 1, CmdInfo, 0x02)
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Fatal("AcquireRequest() released an unterminated batch")
	}

	p.send(t, CmdExecuteCommands, 1, CmdInfo, 0x03)

	var ids, tags []byte
	exec := ExecutorFunc(func(req, rsp []byte) int {
		ids = append(ids, req[0])
		tags = append(tags, req[3])
		rsp[0] = req[3]
		return 1
	})
	if n := p.itf.ServiceAll(exec); n != 3 {
		t.Fatalf("ServiceAll() = %d, want 3", n)
	}
	if !bytes.Equal(ids, []byte{CmdExecuteCommands, CmdExecuteCommands, CmdExecuteCommands}) {
		t.Errorf("command ids = % X, want all 7F", ids)
	}
	if !bytes.Equal(tags, []byte{1, 2, 3}) {
		t.Errorf("execution order = %v, want [1 2 3]", tags)
	}
	for want := byte(1); want <= 3; want++ {
		if got := p.recv(t); !bytes.Equal(got, []byte{want}) {
			t.Errorf("response = % X, want %02X", got, want)
		}
	}
	p.idle(t)
}

func TestInterfaceTransferAbort(t *testing.T) {
	cfg := testConfig(4)
	var aborted []int
	cfg.OnTransferAbort = func(itf int) { aborted = append(aborted, itf) }
	p := newProbe(t, cfg, false)

	p.send(t, CmdTransferAbort)
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Error("TransferAbort packet became visible")
	}
	if len(aborted) != 1 || aborted[0] != 0 {
		t.Errorf("OnTransferAbort calls = %v, want [0]", aborted)
	}

	p.send(t, 0x00, 0x09)
	req, ok := p.itf.AcquireRequest()
	if !ok || !bytes.Equal(req, []byte{0x00, 0x09}) {
		t.Errorf("AcquireRequest() = % X, %v", req, ok)
	}

	st := p.itf.Stats()
	if st.RequestsAborted != 1 || st.RequestsReceived != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestInterfaceResponseRingFull(t *testing.T) {
	p := newProbe(t, testConfig(2), false)

	p.send(t, 0x00, 1)
	p.send(t, 0x00, 2)
	for i := 0; i < 2; i++ {
		if !p.itf.Service(echo) {
			t.Fatalf("Service() #%d = false", i)
		}
	}
	p.send(t, 0x00, 3)

	// Polling a full ring counts one overrun, not one per poll.
	for i := 0; i < 3; i++ {
		if p.itf.Service(echo) {
			t.Fatal("Service() = true with a full response ring")
		}
	}
	if st := p.itf.Stats(); st.ResponseOverruns != 1 {
		t.Errorf("ResponseOverruns = %d, want 1", st.ResponseOverruns)
	}
	if req, ok := p.itf.AcquireRequest(); !ok || req[1] != 3 {
		t.Fatal("request was consumed while the response ring was full")
	}

	if got := p.recv(t); got[1] != 1 {
		t.Errorf("first response = % X", got)
	}
	if !p.itf.Service(echo) {
		t.Fatal("Service() = false after a slot freed")
	}
	for want := byte(2); want <= 3; want++ {
		if got := p.recv(t); got[1] != want {
			t.Errorf("response = % X, want tag %d", got, want)
		}
	}
}

func TestInterfaceReleaseResponseClamps(t *testing.T) {
	p := newProbe(t, testConfig(2), false)

	rsp, ok := p.itf.AcquireResponse()
	if !ok {
		t.Fatal("AcquireResponse() = false")
	}
	if len(rsp) != PacketSizeFullSpeed {
		t.Errorf("response slot length = %d, want %d", len(rsp), PacketSizeFullSpeed)
	}
	p.itf.ReleaseResponse(1000)
	if got := p.recv(t); len(got) != PacketSizeFullSpeed {
		t.Errorf("sent %d bytes, want %d", len(got), PacketSizeFullSpeed)
	}

	if _, ok := p.itf.AcquireResponse(); !ok {
		t.Fatal("AcquireResponse() = false")
	}
	p.itf.ReleaseResponse(0)
	if got := p.recv(t); len(got) != 0 {
		t.Errorf("sent %d bytes, want zero-length packet", len(got))
	}
}

func TestInterfaceRequestRingBackpressure(t *testing.T) {
	p := newProbe(t, testConfig(2), false)

	// The third packet stays with the host until a slot frees.
	for i := byte(1); i <= 3; i++ {
		p.send(t, 0x00, i)
	}
	if st := p.itf.Stats(); st.RequestsReceived != 2 {
		t.Fatalf("RequestsReceived = %d, want 2", st.RequestsReceived)
	}

	for want := byte(1); want <= 3; want++ {
		req, ok := p.itf.AcquireRequest()
		if !ok || req[1] != want {
			t.Fatalf("AcquireRequest() = % X, %v; want tag %d", req, ok, want)
		}
		p.itf.ReleaseRequest()
		p.hal.Drain()
	}
}

func TestInterfaceBusReset(t *testing.T) {
	p := newProbe(t, testConfig(4), true)

	p.send(t, 0x00, 0x01)
	p.send(t, 0x00, 0x02)
	p.itf.SWO().Enqueue([]byte{1, 2, 3})
	if !p.itf.Service(echo) {
		t.Fatal("Service() = false")
	}

	p.hal.Reset()
	p.hal.Drain()

	if p.itf.Mounted() {
		t.Error("Mounted() = true after bus reset")
	}
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Error("request survived bus reset")
	}
	if got := p.itf.SWO().Used(); got != 0 {
		t.Errorf("SWO Used() = %d after bus reset", got)
	}

	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0x82, PacketSizeFullSpeed)
	if err := p.stack.Configure(desc); err != nil {
		t.Fatalf("Configure() after reset error = %v", err)
	}
	p.send(t, 0x00, 0x07)
	if !p.itf.Service(echo) {
		t.Fatal("Service() = false after reconfigure")
	}
	if got := p.recv(t); !bytes.Equal(got, []byte{0x00, 0x07}) {
		t.Errorf("response = % X, want 00 07", got)
	}
}

func TestInterfaceResetDiscardsInFlightResponse(t *testing.T) {
	p := newProbe(t, testConfig(4), false)
	p.send(t, 0x00, 0xAA)

	req, ok := p.itf.AcquireRequest()
	if !ok {
		t.Fatal("AcquireRequest() = false")
	}
	rsp, ok := p.itf.AcquireResponse()
	if !ok {
		t.Fatal("AcquireResponse() = false")
	}
	n := copy(rsp, req)

	p.hal.Reset()
	p.hal.Drain()

	p.itf.ReleaseRequest()
	p.itf.ReleaseResponse(n)

	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, PacketSizeFullSpeed)
	if err := p.stack.Configure(desc); err != nil {
		t.Fatalf("Configure() after reset error = %v", err)
	}
	p.idle(t)
	if got := p.itf.rsp.occupancy(); got != 0 {
		t.Fatalf("response occupancy = %d after reset, want 0", got)
	}
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Fatal("request from before the reset is still queued")
	}

	p.send(t, 0x00, 0x07)
	if !p.itf.Service(echo) {
		t.Fatal("Service() = false after reconfigure")
	}
	if got := p.recv(t); !bytes.Equal(got, []byte{0x00, 0x07}) {
		t.Errorf("response = % X, want 00 07", got)
	}
	p.idle(t)
}

func TestInterfaceResetDuringExecute(t *testing.T) {
	p := newProbe(t, testConfig(4), false)
	p.send(t, 0x00, 0x01)
	p.send(t, 0x00, 0x02)

	resetting := ExecutorFunc(func(req, rsp []byte) int {
		p.hal.Reset()
		p.hal.Drain()
		return copy(rsp, req)
	})
	if !p.itf.Service(resetting) {
		t.Fatal("Service() = false")
	}

	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, PacketSizeFullSpeed)
	if err := p.stack.Configure(desc); err != nil {
		t.Fatalf("Configure() after reset error = %v", err)
	}
	p.idle(t)
	if _, ok := p.itf.AcquireRequest(); ok {
		t.Fatal("second request survived the reset")
	}
	if st := p.itf.Stats(); st.ResponsesSent != 0 {
		t.Errorf("ResponsesSent = %d, want 0", st.ResponsesSent)
	}
}

func TestInterfaceCommandsOverQueue(t *testing.T) {
	p := newProbe(t, testConfig(4), false)
	cmds := NewCommands(p.itf, CommandsConfig{Vendor: "softdap"})

	p.send(t, CmdQueueCommands, 1, CmdInfo, InfoVendor)
	p.send(t, CmdExecuteCommands, 1, CmdInfo, InfoPacketCount)
	if n := p.itf.ServiceAll(cmds); n != 2 {
		t.Fatalf("ServiceAll() = %d, want 2", n)
	}

	want := [][]byte{
		{CmdExecuteCommands, 1, CmdInfo, 8, 's', 'o', 'f', 't', 'd', 'a', 'p', 0},
		{CmdExecuteCommands, 1, CmdInfo, 1, 4},
	}
	for _, w := range want {
		if got := p.recv(t); !bytes.Equal(got, w) {
			t.Errorf("response = % X, want % X", got, w)
		}
	}
}

// fakePort records submissions and lets a test complete them by hand.
type fakePort struct {
	fail      error
	opened    []uint8
	closed    []uint8
	submits   []submission
	unclaimed int
}

type submission struct {
	address uint8
	buf     []byte
	data    []byte
}

func (f *fakePort) OpenEndpoint(desc *device.EndpointDescriptor) (*device.Endpoint, error) {
	f.opened = append(f.opened, desc.EndpointAddress)
	return device.NewEndpoint(desc), nil
}

func (f *fakePort) CloseEndpoint(ep *device.Endpoint) {
	f.closed = append(f.closed, ep.Address)
}

func (f *fakePort) Submit(ep *device.Endpoint, buf []byte) error {
	if !ep.Claimed() {
		f.unclaimed++
		return pkg.ErrInvalidParameter
	}
	if f.fail != nil {
		return f.fail
	}
	f.submits = append(f.submits, submission{
		address: ep.Address,
		buf:     buf,
		data:    append([]byte(nil), buf...),
	})
	return nil
}

func (f *fakePort) last(address uint8) (submission, bool) {
	for i := len(f.submits) - 1; i >= 0; i-- {
		if f.submits[i].address == address {
			return f.submits[i], true
		}
	}
	return submission{}, false
}

func (f *fakePort) count(address uint8) int {
	n := 0
	for _, s := range f.submits {
		if s.address == address {
			n++
		}
	}
	return n
}

func openFake(t *testing.T, cfg Config, withSWO bool) (*Interface, *fakePort) {
	t.Helper()
	itf, err := NewInterface(0, cfg)
	if err != nil {
		t.Fatalf("NewInterface() error = %v", err)
	}
	var swo uint8
	if withSWO {
		swo = 0x82
	}
	port := &fakePort{}
	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, swo, uint16(cfg.PacketSize))
	if n := itf.Open(port, desc); n != len(desc) {
		t.Fatalf("Open() = %d, want %d", n, len(desc))
	}
	return itf, port
}

// deliverOut completes the armed OUT transfer with pkt.
func deliverOut(t *testing.T, itf *Interface, port *fakePort, pkt []byte) {
	t.Helper()
	s, ok := port.last(0x01)
	if !ok {
		t.Fatal("OUT endpoint never armed")
	}
	copy(s.buf, pkt)
	itf.TransferComplete(0x01, pkg.TransferStatusSuccess, len(pkt))
}

func TestInterfaceOpen(t *testing.T) {
	tests := []struct {
		name    string
		desc    []byte
		want    int
		opened  int
		withSWO bool
	}{
		{
			name:   "two endpoints",
			desc:   AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, 64),
			want:   DescriptorLength(false),
			opened: 2,
		},
		{
			name:    "with trace endpoint",
			desc:    AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0x82, 64),
			want:    DescriptorLength(true),
			opened:  3,
			withSWO: true,
		},
		{
			name:   "stops at next interface",
			desc:   AppendDescriptor(AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, 64), 1, 0, 0x02, 0x82, 0, 64),
			want:   DescriptorLength(false),
			opened: 2,
		},
		{
			name: "not vendor class",
			desc: func() []byte {
				d := AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, 64)
				d[5] = 0x03
				return d
			}(),
		},
		{
			name: "missing IN endpoint",
			desc: AppendDescriptor(nil, 0, 0, 0x01, 0, 0, 64),
		},
		{
			name: "not an interface",
			desc: []byte{0x07, device.DescriptorTypeEndpoint, 0x01, 0x02, 0x40, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			itf, _ := NewInterface(0, DefaultConfig())
			port := &fakePort{}
			if got := itf.Open(port, tt.desc); got != tt.want {
				t.Errorf("Open() = %d, want %d", got, tt.want)
			}
			if got := itf.Mounted(); got != (tt.want > 0) {
				t.Errorf("Mounted() = %v", got)
			}
			if tt.want == 0 {
				if len(port.opened) != len(port.closed) {
					t.Errorf("opened %v but closed %v", port.opened, port.closed)
				}
				return
			}
			if len(port.opened) != tt.opened {
				t.Errorf("opened %v, want %d endpoints", port.opened, tt.opened)
			}
			if b := itf.binding.Load(); (b.swo != nil) != tt.withSWO {
				t.Errorf("trace endpoint bound = %v, want %v", b.swo != nil, tt.withSWO)
			}
			if port.count(0x01) != 1 {
				t.Error("OUT endpoint not armed on open")
			}
		})
	}
}

func TestInterfaceOpenTwice(t *testing.T) {
	itf, port := openFake(t, DefaultConfig(), false)
	desc := AppendDescriptor(nil, 1, 0, 0x02, 0x82, 0, 64)
	if n := itf.Open(port, desc); n != 0 {
		t.Errorf("second Open() = %d, want 0", n)
	}
}

func TestInterfaceZeroLengthRequestIgnored(t *testing.T) {
	itf, port := openFake(t, testConfig(4), false)

	itf.TransferComplete(0x01, pkg.TransferStatusSuccess, 0)
	if _, ok := itf.AcquireRequest(); ok {
		t.Error("zero-length packet became visible")
	}
	if got := port.count(0x01); got != 2 {
		t.Errorf("OUT submissions = %d, want 2", got)
	}
}

func TestInterfaceFailedResponseRetried(t *testing.T) {
	itf, port := openFake(t, testConfig(4), false)

	deliverOut(t, itf, port, []byte{0x00, 0x01})
	if !itf.Service(echo) {
		t.Fatal("Service() = false")
	}
	itf.TransferComplete(0x81, pkg.TransferStatusTimeout, 0)
	if got := port.count(0x81); got != 2 {
		t.Fatalf("IN submissions = %d, want 2", got)
	}
	s, _ := port.last(0x81)
	if !bytes.Equal(s.data, []byte{0x00, 0x01}) {
		t.Errorf("resent % X", s.data)
	}
	if st := itf.Stats(); st.ResponsesSent != 0 {
		t.Errorf("ResponsesSent = %d after failed transfer", st.ResponsesSent)
	}
}

func TestInterfaceTaskRetriesSubmit(t *testing.T) {
	itf, err := NewInterface(0, testConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	port := &fakePort{fail: pkg.ErrBusy}
	desc := AppendDescriptor(nil, 0, 0, 0x01, 0x81, 0, 64)
	if itf.Open(port, desc) == 0 {
		t.Fatal("Open() = 0")
	}
	if st := itf.Stats(); st.SubmitFailures != 1 {
		t.Errorf("SubmitFailures = %d, want 1", st.SubmitFailures)
	}
	b := itf.binding.Load()
	if b.out.Claimed() {
		t.Error("OUT claim kept after failed submit")
	}

	port.fail = nil
	itf.Task()
	if got := port.count(0x01); got != 1 {
		t.Errorf("OUT submissions after Task = %d, want 1", got)
	}
	if !b.out.Claimed() {
		t.Error("OUT claim not held while armed")
	}
	if port.unclaimed != 0 {
		t.Errorf("%d submissions without a claim", port.unclaimed)
	}
}

func TestInterfaceUnknownAddress(t *testing.T) {
	itf, _ := openFake(t, DefaultConfig(), false)
	if itf.TransferComplete(0x83, pkg.TransferStatusSuccess, 1) {
		t.Error("TransferComplete() = true for a foreign endpoint")
	}

	unbound, _ := NewInterface(1, DefaultConfig())
	if unbound.TransferComplete(0x01, pkg.TransferStatusSuccess, 1) {
		t.Error("TransferComplete() = true while unbound")
	}
}

func TestInterfaceClose(t *testing.T) {
	itf, port := openFake(t, DefaultConfig(), true)
	if err := itf.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if itf.Mounted() {
		t.Error("Mounted() = true after Close")
	}
	if len(port.closed) != 3 {
		t.Errorf("closed %v, want 3 endpoints", port.closed)
	}
	if err := itf.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewInterfaceInvalidConfig(t *testing.T) {
	_, err := NewInterface(0, testConfig(3))
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("NewInterface() error = %v, want ErrInvalidParameter", err)
	}
}
