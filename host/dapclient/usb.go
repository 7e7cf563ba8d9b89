package dapclient

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/gousb"

	"github.com/ardnew/softdap/pkg"
)

// ProbeInfo describes an attached probe.
type ProbeInfo struct {
	Vendor       uint16
	Product      uint16
	Bus          int
	Address      int
	Serial       string
	Manufacturer string
	Description  string
}

func (p ProbeInfo) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x %s %s [%s]",
		p.Bus, p.Address, p.Vendor, p.Product, p.Manufacturer, p.Description, p.Serial)
}

func matcher(vid, pid uint16) func(*gousb.DeviceDesc) bool {
	return func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && (pid == 0 || uint16(desc.Product) == pid)
	}
}

// List enumerates attached devices matching vid and, if nonzero, pid.
func List(vid, pid uint16) ([]ProbeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(matcher(vid, pid))
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerate %04x:%04x: %w", vid, pid, err)
	}

	infos := make([]ProbeInfo, 0, len(devs))
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		manufacturer, _ := d.Manufacturer()
		product, _ := d.Product()
		infos = append(infos, ProbeInfo{
			Vendor:       uint16(d.Desc.Vendor),
			Product:      uint16(d.Desc.Product),
			Bus:          d.Desc.Bus,
			Address:      d.Desc.Address,
			Serial:       serial,
			Manufacturer: manufacturer,
			Description:  product,
		})
	}
	return infos, nil
}

// USBProbe is a CMSIS-DAP v2 probe opened through libusb.
type USBProbe struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	out *gousb.OutEndpoint
	in  *gousb.InEndpoint
	swo *gousb.InEndpoint

	packetSize int
	client     *Client
}

// OpenUSB opens the first probe matching vid, pid, and serial. An empty
// serial matches any probe.
func OpenUSB(vid, pid uint16, serial string) (*USBProbe, error) {
	p := &USBProbe{ctx: gousb.NewContext()}

	devs, err := p.ctx.OpenDevices(matcher(vid, pid))
	for _, d := range devs {
		if p.dev == nil && (serial == "" || serialOf(d) == serial) {
			p.dev = d
			continue
		}
		d.Close()
	}
	if p.dev == nil {
		p.ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, err)
		}
		return nil, fmt.Errorf("probe %04x:%04x %q: %w", vid, pid, serial, pkg.ErrNoDevice)
	}

	if err := p.dev.SetAutoDetach(true); err != nil {
		pkg.LogDebug(pkg.ComponentClient, "auto detach unavailable", "error", err)
	}
	if err := p.claim(); err != nil {
		_ = p.Close()
		return nil, err
	}

	p.client = New(p.out, p.in, p.packetSize)
	if p.swo != nil {
		p.client.SetSWO(p.swo)
	}
	pkg.LogInfo(pkg.ComponentClient, "probe opened",
		"vid", fmt.Sprintf("%04x", vid),
		"pid", fmt.Sprintf("%04x", uint16(p.dev.Desc.Product)),
		"interface", p.intf.Setting.Number,
		"packetSize", p.packetSize,
		"swo", p.swo != nil)
	return p, nil
}

func serialOf(d *gousb.Device) string {
	s, _ := d.SerialNumber()
	return s
}

// claim finds the first vendor-class interface with a bulk OUT and bulk
// IN endpoint and opens its endpoints. A second bulk IN endpoint carries
// SWO trace.
func (p *USBProbe) claim() error {
	num, err := p.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("active configuration: %w", err)
	}
	p.cfg, err = p.dev.Config(num)
	if err != nil {
		return fmt.Errorf("configuration %d: %w", num, err)
	}

	for _, itf := range p.cfg.Desc.Interfaces {
		for _, alt := range itf.AltSettings {
			if alt.Class != gousb.ClassVendorSpec {
				continue
			}
			out, ins := bulkEndpoints(alt)
			if len(out) == 0 || len(ins) == 0 {
				continue
			}
			p.intf, err = p.cfg.Interface(alt.Number, alt.Alternate)
			if err != nil {
				return fmt.Errorf("claim interface %d: %w", alt.Number, err)
			}
			return p.openEndpoints(out[0], ins)
		}
	}
	return fmt.Errorf("no vendor bulk interface: %w", pkg.ErrNoDevice)
}

// bulkEndpoints returns the bulk endpoints of alt in address order.
func bulkEndpoints(alt gousb.InterfaceSetting) (out, in []gousb.EndpointDesc) {
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			in = append(in, ep)
		} else {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	sort.Slice(in, func(i, j int) bool { return in[i].Address < in[j].Address })
	return out, in
}

func (p *USBProbe) openEndpoints(out gousb.EndpointDesc, ins []gousb.EndpointDesc) error {
	var err error
	if p.out, err = p.intf.OutEndpoint(out.Number); err != nil {
		return fmt.Errorf("open OUT endpoint %d: %w", out.Number, err)
	}
	if p.in, err = p.intf.InEndpoint(ins[0].Number); err != nil {
		return fmt.Errorf("open IN endpoint %d: %w", ins[0].Number, err)
	}
	p.packetSize = ins[0].MaxPacketSize
	if len(ins) > 1 {
		if p.swo, err = p.intf.InEndpoint(ins[1].Number); err != nil {
			return fmt.Errorf("open SWO endpoint %d: %w", ins[1].Number, err)
		}
	}
	return nil
}

// Client returns the protocol client bound to the probe's endpoints.
func (p *USBProbe) Client() *Client {
	return p.client
}

// Close releases the interface, device, and libusb context.
func (p *USBProbe) Close() error {
	var errs []error
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	if p.cfg != nil {
		errs = append(errs, p.cfg.Close())
		p.cfg = nil
	}
	if p.dev != nil {
		errs = append(errs, p.dev.Close())
		p.dev = nil
	}
	if p.ctx != nil {
		errs = append(errs, p.ctx.Close())
		p.ctx = nil
	}
	return errors.Join(errs...)
}
