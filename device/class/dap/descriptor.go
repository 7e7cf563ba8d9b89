package dap

import "github.com/ardnew/softdap/device"

// Interface subclass and protocol reported by the DAP interface.
const (
	InterfaceSubClass = 0x00
	InterfaceProtocol = 0x00
)

// AppendDescriptor appends a DAP v2 interface descriptor and its bulk
// endpoints to buf: command OUT, command IN, and, when epSWO is nonzero,
// the SWO trace IN endpoint.
func AppendDescriptor(buf []byte, itfnum, stridx, epOut, epIn, epSWO uint8, epSize uint16) []byte {
	numEndpoints := uint8(2)
	if epSWO != 0 {
		numEndpoints = 3
	}
	buf = device.InterfaceDescriptor{
		InterfaceNumber:   itfnum,
		NumEndpoints:      numEndpoints,
		InterfaceClass:    device.ClassVendor,
		InterfaceSubClass: InterfaceSubClass,
		InterfaceProtocol: InterfaceProtocol,
		InterfaceIndex:    stridx,
	}.Append(buf)

	for _, addr := range []uint8{epOut, epIn, epSWO} {
		if addr == 0 {
			continue
		}
		buf = device.EndpointDescriptor{
			EndpointAddress: addr,
			Attributes:      device.EndpointTypeBulk,
			MaxPacketSize:   epSize,
		}.Append(buf)
	}
	return buf
}

// DescriptorLength returns the number of bytes AppendDescriptor writes.
func DescriptorLength(withSWO bool) int {
	n := device.InterfaceDescriptorSize + 2*device.EndpointDescriptorSize
	if withSWO {
		n += device.EndpointDescriptorSize
	}
	return n
}
