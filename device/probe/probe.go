// Package probe assembles a simulated CMSIS-DAP v2 probe: the in-memory
// HAL, the device stack, and one or more DAP interfaces with their
// command processors.
package probe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softdap/device"
	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/device/class/dap/capture"
	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/device/hal/mem"
	"github.com/ardnew/softdap/pkg"
)

// MaxInterfaces bounds the interfaces a probe can expose with distinct
// endpoint numbers.
const MaxInterfaces = 7

// Options configures a simulated probe.
type Options struct {
	// Interfaces is the number of DAP interfaces. Zero means one.
	Interfaces int

	// Speed is the simulated bus speed. Zero means full speed.
	Speed hal.Speed

	// DAP configures every interface. PacketSize defaults to the bus
	// speed's bulk packet size.
	DAP dap.Config

	// Identity is reported through DAP_Info. Its Capture field is
	// ignored in favour of NewCapture.
	Identity dap.CommandsConfig

	// TraceEndpoint adds the streaming SWO endpoint to each interface.
	TraceEndpoint bool

	// NewCapture, if set, creates the trace source for interface n.
	NewCapture func(n int, sink capture.Sink) dap.Capture
}

// Endpoints holds the endpoint addresses of one interface.
type Endpoints struct {
	Out, In, SWO uint8
}

// EndpointsFor returns the addresses assigned to interface n.
func EndpointsFor(n int, trace bool) Endpoints {
	e := Endpoints{
		Out: uint8(n + 1),
		In:  device.EndpointDirectionIn | uint8(2*n+1),
	}
	if trace {
		e.SWO = device.EndpointDirectionIn | uint8(2*n+2)
	}
	return e
}

// Probe is a running simulated probe.
type Probe struct {
	HAL    *mem.HAL
	Stack  *device.Stack
	Driver *dap.Driver

	opts     Options
	commands []*dap.Commands
	config   []byte
}

// New builds a probe. Start attaches it.
func New(opts Options) (*Probe, error) {
	if opts.Interfaces == 0 {
		opts.Interfaces = 1
	}
	if opts.Interfaces < 0 || opts.Interfaces > MaxInterfaces {
		return nil, fmt.Errorf("interface count %d: %w", opts.Interfaces, pkg.ErrInvalidParameter)
	}
	if opts.Speed == hal.SpeedUnknown {
		opts.Speed = hal.SpeedFull
	}
	if opts.DAP.PacketSize == 0 {
		opts.DAP.PacketSize = opts.Speed.BulkPacketSize()
	}
	if opts.DAP.PacketCount == 0 {
		opts.DAP.PacketCount = dap.DefaultConfig().PacketCount
	}

	p := &Probe{opts: opts}

	// TransferAbort arrives on the event context before any command
	// processor could see it; route it to the owning processor's latch.
	userAbort := opts.DAP.OnTransferAbort
	opts.DAP.OnTransferAbort = func(itf int) {
		if itf < len(p.commands) {
			p.commands[itf].Abort()
		}
		if userAbort != nil {
			userAbort(itf)
		}
	}

	drv, err := dap.NewDriver(opts.Interfaces, opts.DAP)
	if err != nil {
		return nil, err
	}
	p.Driver = drv
	p.HAL = mem.New(opts.Speed)
	p.Stack = device.NewStack(p.HAL, drv)

	for n := 0; n < drv.Len(); n++ {
		itf := drv.Interface(n)
		cc := opts.Identity
		cc.Capture = nil
		if opts.NewCapture != nil {
			cc.Capture = opts.NewCapture(n, itf.SWO())
		}
		p.commands = append(p.commands, dap.NewCommands(itf, cc))
	}
	p.config = p.configuration()
	return p, nil
}

// configuration builds the configuration descriptor stream.
func (p *Probe) configuration() []byte {
	var body []byte
	size := uint16(p.opts.DAP.PacketSize)
	for n := 0; n < p.Driver.Len(); n++ {
		e := EndpointsFor(n, p.opts.TraceEndpoint)
		body = dap.AppendDescriptor(body, uint8(n), 0, e.Out, e.In, e.SWO, size)
	}
	return device.AppendConfiguration(nil, device.ConfigurationDescriptor{
		NumInterfaces:      uint8(p.Driver.Len()),
		ConfigurationValue: 1,
		Attributes:         device.ConfigAttrBusPowered,
		MaxPower:           50,
	}, body)
}

// Configuration returns the configuration descriptor the probe presents.
func (p *Probe) Configuration() []byte {
	return p.config
}

// Start attaches the probe and activates its configuration.
func (p *Probe) Start(ctx context.Context) error {
	if err := p.Stack.Start(ctx); err != nil {
		return err
	}
	return p.Reconfigure()
}

// Reconfigure activates the configuration again, as a host does after a
// bus reset.
func (p *Probe) Reconfigure() error {
	return p.Stack.Configure(p.config)
}

// Stop detaches the probe.
func (p *Probe) Stop() error {
	return p.Stack.Stop()
}

// Interface returns DAP interface n.
func (p *Probe) Interface(n int) *dap.Interface {
	return p.Driver.Interface(n)
}

// Commands returns the command processor of interface n.
func (p *Probe) Commands(n int) *dap.Commands {
	if n < 0 || n >= len(p.commands) {
		return nil
	}
	return p.commands[n]
}

// Endpoints returns the endpoint addresses of interface n.
func (p *Probe) Endpoints(n int) Endpoints {
	return EndpointsFor(n, p.opts.TraceEndpoint)
}

// PacketSize returns the DAP packet size.
func (p *Probe) PacketSize() int {
	return p.opts.DAP.PacketSize
}

// Run delivers HAL events and services every interface until ctx is
// done. The HAL event loop is the event context; each interface gets its
// own foreground goroutine.
func (p *Probe) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.HAL.Run(gctx)
	})
	for n := 0; n < p.Driver.Len(); n++ {
		itf, cmds := p.Driver.Interface(n), p.commands[n]
		g.Go(func() error {
			return serve(gctx, itf, cmds)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// taskInterval paces the foreground loop while no request arrives, so
// failed submissions are retried and SWO data keeps draining.
const taskInterval = 10 * time.Millisecond

// serve is the foreground loop of one interface.
func serve(ctx context.Context, itf *dap.Interface, cmds *dap.Commands) error {
	pkg.LogDebug(pkg.ComponentDAP, "foreground loop started", "itf", itf.Index())
	tick := time.NewTicker(taskInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-itf.Ready():
		case <-tick.C:
		}
		if cmds.TakeAbort() {
			pkg.LogDebug(pkg.ComponentDAP, "abort observed", "itf", itf.Index())
		}
		itf.ServiceAll(cmds)
		itf.Task()
	}
}
