package device

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/device/hal/mem"
	"github.com/ardnew/softdap/pkg"
)

// echoDriver binds one bulk OUT/IN pair on a vendor interface and echoes
// every OUT packet back on IN.
type echoDriver struct {
	port    Port
	out, in *Endpoint
	rx      [64]byte
	tx      [64]byte
	resets  int
	closed  int
}

func (d *echoDriver) Open(port Port, desc []byte) int {
	iface, err := ParseInterfaceDescriptor(desc)
	if err != nil || iface.InterfaceClass != ClassVendor {
		return 0
	}
	if d.out != nil {
		return 0
	}
	d.port = port
	consumed := InterfaceDescriptorSize
	rest := desc[InterfaceDescriptorSize:]
	for i := 0; i < int(iface.NumEndpoints); i++ {
		ed, err := ParseEndpointDescriptor(rest)
		if err != nil {
			return 0
		}
		ep, err := port.OpenEndpoint(&ed)
		if err != nil {
			return 0
		}
		if ep.IsIn() {
			d.in = ep
		} else {
			d.out = ep
		}
		consumed += EndpointDescriptorSize
		rest = rest[EndpointDescriptorSize:]
	}
	if d.out.Claim() {
		_ = port.Submit(d.out, d.rx[:])
	}
	return consumed
}

func (d *echoDriver) Reset() {
	d.resets++
	d.out, d.in = nil, nil
}

func (d *echoDriver) TransferComplete(address uint8, status pkg.TransferStatus, n int) bool {
	switch {
	case d.out != nil && address == d.out.Address:
		d.out.Release()
		copy(d.tx[:], d.rx[:n])
		if d.in.Claim() {
			_ = d.port.Submit(d.in, d.tx[:n])
		}
		return true
	case d.in != nil && address == d.in.Address:
		d.in.Release()
		if d.out.Claim() {
			_ = d.port.Submit(d.out, d.rx[:])
		}
		return true
	}
	return false
}

func (d *echoDriver) Close() error {
	d.closed++
	if d.out != nil {
		d.port.CloseEndpoint(d.out)
		d.port.CloseEndpoint(d.in)
	}
	d.out, d.in = nil, nil
	return nil
}

func vendorConfig() []byte {
	body := InterfaceDescriptor{NumEndpoints: 2, InterfaceClass: ClassVendor}.Append(nil)
	body = EndpointDescriptor{EndpointAddress: 0x01, Attributes: EndpointTypeBulk, MaxPacketSize: 64}.Append(body)
	body = EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk, MaxPacketSize: 64}.Append(body)
	return AppendConfiguration(nil, ConfigurationDescriptor{NumInterfaces: 1, ConfigurationValue: 1}, body)
}

func startStack(t *testing.T, drivers ...ClassDriver) (*Stack, *mem.HAL) {
	t.Helper()
	h := mem.New(hal.SpeedFull)
	s := NewStack(h, drivers...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, h
}

func TestStackStartTwice(t *testing.T) {
	s, _ := startStack(t)
	if err := s.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false")
	}
}

func TestStackConfigureRequiresRunning(t *testing.T) {
	s := NewStack(mem.New(hal.SpeedFull), &echoDriver{})
	if err := s.Configure(vendorConfig()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("Configure() error = %v, want ErrNotRunning", err)
	}
}

func TestStackConfigureAndRoute(t *testing.T) {
	d := &echoDriver{}
	s, h := startStack(t, d)

	if err := s.Configure(vendorConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if !s.IsConfigured() {
		t.Fatal("IsConfigured() = false")
	}
	if s.Endpoint(0x01) != d.out || s.Endpoint(0x81) != d.in {
		t.Fatal("stack endpoint table does not match driver endpoints")
	}

	if err := h.HostWrite(0x01, []byte("ping")); err != nil {
		t.Fatalf("HostWrite() error = %v", err)
	}
	h.Drain()

	var p [64]byte
	n, ok, err := h.HostRead(0x81, p[:])
	if err != nil || !ok {
		t.Fatalf("HostRead() = %d, %v, %v", n, ok, err)
	}
	if string(p[:n]) != "ping" {
		t.Errorf("echo = %q, want %q", p[:n], "ping")
	}
	h.Drain()
	if !d.out.Claimed() {
		t.Error("OUT not re-armed after IN completion")
	}
	if s.Unhandled() != 0 {
		t.Errorf("Unhandled() = %d", s.Unhandled())
	}
}

func TestStackConfigureNoDriver(t *testing.T) {
	s, _ := startStack(t)
	if err := s.Configure(vendorConfig()); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("Configure() error = %v, want ErrNotConfigured", err)
	}
}

func TestStackSubmitWithoutClaim(t *testing.T) {
	d := &echoDriver{}
	s, _ := startStack(t, d)
	if err := s.Configure(vendorConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := s.Submit(d.in, []byte{1}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit() error = %v, want ErrInvalidParameter", err)
	}
}

func TestStackUnhandledCompletion(t *testing.T) {
	s, _ := startStack(t, &echoDriver{})
	s.TransferComplete(0x85, pkg.TransferStatusSuccess, 1)
	if s.Unhandled() != 1 {
		t.Errorf("Unhandled() = %d, want 1", s.Unhandled())
	}
}

func TestStackBusReset(t *testing.T) {
	d := &echoDriver{}
	s, h := startStack(t, d)
	if err := s.Configure(vendorConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	h.Reset()
	h.Drain()

	if d.resets != 1 {
		t.Errorf("driver resets = %d, want 1", d.resets)
	}
	if s.IsConfigured() || s.Endpoint(0x01) != nil {
		t.Error("stack still configured after reset")
	}

	if err := s.Configure(vendorConfig()); err != nil {
		t.Fatalf("Configure() after reset error = %v", err)
	}
	if d.out == nil || !d.out.Claimed() {
		t.Error("driver not re-armed after reconfigure")
	}
}

func TestStackStopClosesDrivers(t *testing.T) {
	d := &echoDriver{}
	h := mem.New(hal.SpeedFull)
	s := NewStack(h, d)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Configure(vendorConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if d.closed != 1 {
		t.Errorf("driver closed %d times, want 1", d.closed)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
