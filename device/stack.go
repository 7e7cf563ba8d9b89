package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/pkg"
)

// MaxEndpointAddresses is the number of possible endpoint addresses (0x00-0x0F IN and OUT).
const MaxEndpointAddresses = 32

// Stack binds class drivers to a HAL and routes transfer completions.
type Stack struct {
	hal     hal.DeviceHAL
	drivers []ClassDriver

	// State
	running    bool
	configured bool
	mutex      sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Open endpoints indexed by endpointIndex
	endpoints [MaxEndpointAddresses]atomic.Pointer[Endpoint]

	unhandled atomic.Uint64
}

// endpointIndex converts an endpoint address to an array index.
func endpointIndex(addr uint8) int {
	// OUT endpoints: 0x00-0x0F -> 0-15
	// IN endpoints: 0x80-0x8F -> 16-31
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// NewStack creates a device stack serving the given class drivers.
func NewStack(h hal.DeviceHAL, drivers ...ClassDriver) *Stack {
	s := &Stack{
		hal:     h,
		drivers: drivers,
	}
	h.SetEventHandler(s)
	return s
}

// Start starts the device stack.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		return err
	}

	if err := s.hal.Start(); err != nil {
		return err
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started",
		"drivers", len(s.drivers),
		"speed", s.hal.GetSpeed().String())
	return nil
}

// Stop closes every driver and stops the device stack.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mutex.Unlock()

	s.Deconfigure()

	if err := s.hal.Stop(); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// IsConfigured returns true once Configure has bound at least one interface.
func (s *Stack) IsConfigured() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.configured
}

// Configure activates a configuration. config holds a configuration
// descriptor stream: an optional configuration descriptor followed by
// interface, endpoint, and class-specific descriptors. Each interface is
// offered to the drivers in registration order; the first driver to
// consume it owns it.
func (s *Stack) Configure(config []byte) error {
	if !s.IsRunning() {
		return pkg.ErrNotRunning
	}

	rest := config
	if DescriptorType(rest) == DescriptorTypeConfiguration {
		cd, err := ParseConfigurationDescriptor(rest)
		if err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		if int(cd.TotalLength) < len(rest) && cd.TotalLength >= ConfigurationDescriptorSize {
			rest = rest[:cd.TotalLength]
		}
		rest = rest[ConfigurationDescriptorSize:]
	}

	bound := 0
	for len(rest) > 0 {
		desc, next, err := NextDescriptor(rest)
		if err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		if DescriptorType(desc) != DescriptorTypeInterface || len(desc) < InterfaceDescriptorSize {
			rest = next
			continue
		}

		consumed := 0
		for _, d := range s.drivers {
			if consumed = d.Open(s, rest); consumed > 0 {
				break
			}
		}
		if consumed == 0 {
			pkg.LogDebug(pkg.ComponentStack, "interface not claimed by any driver",
				"interface", desc[2])
			rest = next
			continue
		}
		if consumed > len(rest) {
			consumed = len(rest)
		}
		bound++
		rest = rest[consumed:]
	}

	s.mutex.Lock()
	s.configured = bound > 0
	s.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentStack, "configuration activated", "interfaces", bound)
	if bound == 0 {
		return fmt.Errorf("configure: no interface bound: %w", pkg.ErrNotConfigured)
	}
	return nil
}

// Deconfigure closes every driver and endpoint.
func (s *Stack) Deconfigure() {
	for _, d := range s.drivers {
		if err := d.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentStack, "driver close failed", "error", err)
		}
	}
	for i := range s.endpoints {
		if ep := s.endpoints[i].Swap(nil); ep != nil {
			_ = s.hal.CloseEndpoint(ep.Address)
		}
	}
	s.mutex.Lock()
	s.configured = false
	s.mutex.Unlock()
}

// OpenEndpoint implements Port.
func (s *Stack) OpenEndpoint(desc *EndpointDescriptor) (*Endpoint, error) {
	ep := NewEndpoint(desc)
	if ep.Number() == 0 {
		return nil, fmt.Errorf("open endpoint 0x%02X: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}
	err := s.hal.OpenEndpoint(hal.EndpointConfig{
		Address:       ep.Address,
		Attributes:    ep.Attributes,
		MaxPacketSize: ep.MaxPacketSize,
	})
	if err != nil {
		return nil, err
	}
	s.endpoints[endpointIndex(ep.Address)].Store(ep)
	pkg.LogDebug(pkg.ComponentStack, "endpoint opened", "endpoint", ep.String())
	return ep, nil
}

// CloseEndpoint implements Port.
func (s *Stack) CloseEndpoint(ep *Endpoint) {
	if ep == nil {
		return
	}
	if s.endpoints[endpointIndex(ep.Address)].CompareAndSwap(ep, nil) {
		_ = s.hal.CloseEndpoint(ep.Address)
	}
}

// Submit implements Port.
func (s *Stack) Submit(ep *Endpoint, buf []byte) error {
	if ep == nil {
		return pkg.ErrInvalidEndpoint
	}
	if !ep.Claimed() {
		return fmt.Errorf("submit 0x%02X without claim: %w", ep.Address, pkg.ErrInvalidParameter)
	}
	if s.endpoints[endpointIndex(ep.Address)].Load() != ep {
		return fmt.Errorf("submit 0x%02X: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}
	return s.hal.Submit(ep.Address, buf)
}

// Endpoint returns the open endpoint at address, or nil.
func (s *Stack) Endpoint(address uint8) *Endpoint {
	return s.endpoints[endpointIndex(address)].Load()
}

// TransferComplete implements hal.EventHandler by offering the completion
// to each driver until one claims it.
func (s *Stack) TransferComplete(address uint8, status pkg.TransferStatus, n int) {
	for _, d := range s.drivers {
		if d.TransferComplete(address, status, n) {
			return
		}
	}
	s.unhandled.Add(1)
	pkg.LogWarn(pkg.ComponentStack, "unhandled transfer completion",
		"address", fmt.Sprintf("0x%02X", address),
		"status", status.String(),
		"bytes", n)
}

// BusReset implements hal.EventHandler. The controller has already
// dropped every endpoint; drivers return to their unbound state and wait
// for the next Configure.
func (s *Stack) BusReset() {
	for i := range s.endpoints {
		s.endpoints[i].Store(nil)
	}
	for _, d := range s.drivers {
		d.Reset()
	}
	s.mutex.Lock()
	s.configured = false
	s.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentStack, "bus reset")
}

// Unhandled returns the number of completions no driver claimed.
func (s *Stack) Unhandled() uint64 {
	return s.unhandled.Load()
}

// Speed returns the negotiated USB connection speed.
func (s *Stack) Speed() hal.Speed {
	return s.hal.GetSpeed()
}

// IsConnected returns true if the device is connected to a host.
func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

var (
	_ Port             = (*Stack)(nil)
	_ hal.EventHandler = (*Stack)(nil)
)
