package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softdap/pkg"
)

// Descriptor types used on the data side of a configuration (USB 2.0
// Table 9-5).
const (
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
)

// ClassVendor is the vendor-specific interface class used by bulk debug probes.
const ClassVendor = 0xFF

// Descriptor sizes in bytes.
const (
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // required by USB 2.0
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// ConfigurationDescriptor is the header of a configuration.
type ConfigurationDescriptor struct {
	TotalLength        uint16 // header plus every descriptor that follows
	NumInterfaces      uint8
	ConfigurationValue uint8 // argument of SET_CONFIGURATION
	ConfigurationIndex uint8 // string index
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// Append appends the encoded header to buf.
func (c ConfigurationDescriptor) Append(buf []byte) []byte {
	buf = append(buf, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	buf = binary.LittleEndian.AppendUint16(buf, c.TotalLength)
	return append(buf, c.NumInterfaces, c.ConfigurationValue,
		c.ConfigurationIndex, c.Attributes, c.MaxPower)
}

// AppendConfiguration appends c followed by body, with TotalLength set
// to cover both.
func AppendConfiguration(buf []byte, c ConfigurationDescriptor, body []byte) []byte {
	c.TotalLength = uint16(ConfigurationDescriptorSize + len(body))
	return append(c.Append(buf), body...)
}

// ParseConfigurationDescriptor decodes the configuration header at the
// start of data.
func ParseConfigurationDescriptor(data []byte) (ConfigurationDescriptor, error) {
	if err := check(data, DescriptorTypeConfiguration, ConfigurationDescriptorSize); err != nil {
		return ConfigurationDescriptor{}, err
	}
	return ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}, nil
}

// InterfaceDescriptor describes one interface alternate setting.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8 // excluding endpoint 0
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8 // string index
}

// Append appends the encoded descriptor to buf.
func (i InterfaceDescriptor) Append(buf []byte) []byte {
	return append(buf, InterfaceDescriptorSize, DescriptorTypeInterface,
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol,
		i.InterfaceIndex)
}

// ParseInterfaceDescriptor decodes the interface descriptor at the start
// of data.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	if err := check(data, DescriptorTypeInterface, InterfaceDescriptorSize); err != nil {
		return InterfaceDescriptor{}, err
	}
	return InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}, nil
}

// EndpointDescriptor describes one endpoint.
type EndpointDescriptor struct {
	EndpointAddress uint8 // number and direction bit
	Attributes      uint8 // transfer type in bits 1:0
	MaxPacketSize   uint16
	Interval        uint8 // interrupt and isochronous only
}

// Append appends the encoded descriptor to buf.
func (e EndpointDescriptor) Append(buf []byte) []byte {
	buf = append(buf, EndpointDescriptorSize, DescriptorTypeEndpoint, e.EndpointAddress, e.Attributes)
	buf = binary.LittleEndian.AppendUint16(buf, e.MaxPacketSize)
	return append(buf, e.Interval)
}

// ParseEndpointDescriptor decodes the endpoint descriptor at the start of
// data.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	if err := check(data, DescriptorTypeEndpoint, EndpointDescriptorSize); err != nil {
		return EndpointDescriptor{}, err
	}
	return EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]),
		Interval:        data[6],
	}, nil
}

func check(data []byte, typ uint8, size int) error {
	if len(data) < size {
		return fmt.Errorf("%d of %d bytes: %w", len(data), size, pkg.ErrDescriptorTooShort)
	}
	if data[1] != typ {
		return fmt.Errorf("type 0x%02X, want 0x%02X: %w", data[1], typ, pkg.ErrDescriptorTypeMismatch)
	}
	return nil
}

// NextDescriptor splits the first descriptor off a descriptor stream.
// It returns the descriptor and the remaining bytes.
func NextDescriptor(data []byte) (desc, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, pkg.ErrDescriptorTooShort
	}
	n := int(data[0])
	if n < 2 || n > len(data) {
		return nil, nil, pkg.ErrDescriptorTooShort
	}
	return data[:n], data[n:], nil
}

// DescriptorType returns the type byte of a raw descriptor, or 0 if the
// slice is too short to hold one.
func DescriptorType(desc []byte) uint8 {
	if len(desc) < 2 {
		return 0
	}
	return desc[1]
}
