package dap

import (
	"errors"
	"fmt"

	"github.com/ardnew/softdap/device"
	"github.com/ardnew/softdap/pkg"
)

// Driver binds a fixed set of DAP interfaces to a device stack. Each
// vendor interface in the active configuration is given to the first
// instance that is not yet mounted.
type Driver struct {
	itfs []*Interface
}

// NewDriver creates count interface instances sharing cfg.
func NewDriver(count int, cfg Config) (*Driver, error) {
	if count < 1 {
		return nil, fmt.Errorf("interface count %d: %w", count, pkg.ErrInvalidParameter)
	}
	d := &Driver{itfs: make([]*Interface, count)}
	for n := range d.itfs {
		itf, err := NewInterface(n, cfg)
		if err != nil {
			return nil, err
		}
		d.itfs[n] = itf
	}
	return d, nil
}

// Len returns the number of interface instances.
func (d *Driver) Len() int {
	return len(d.itfs)
}

// Interface returns instance n, or nil if n is out of range.
func (d *Driver) Interface(n int) *Interface {
	if n < 0 || n >= len(d.itfs) {
		return nil
	}
	return d.itfs[n]
}

// Open implements device.ClassDriver.
func (d *Driver) Open(port device.Port, desc []byte) int {
	for _, itf := range d.itfs {
		if itf.Mounted() {
			continue
		}
		return itf.Open(port, desc)
	}
	return 0
}

// Reset implements device.ClassDriver.
func (d *Driver) Reset() {
	for _, itf := range d.itfs {
		itf.Reset()
	}
}

// TransferComplete implements device.ClassDriver.
func (d *Driver) TransferComplete(address uint8, status pkg.TransferStatus, n int) bool {
	for _, itf := range d.itfs {
		if itf.TransferComplete(address, status, n) {
			return true
		}
	}
	return false
}

// Close implements device.ClassDriver.
func (d *Driver) Close() error {
	var errs []error
	for _, itf := range d.itfs {
		if err := itf.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Task runs Interface.Task on every instance.
func (d *Driver) Task() {
	for _, itf := range d.itfs {
		itf.Task()
	}
}

var _ device.ClassDriver = (*Driver)(nil)
