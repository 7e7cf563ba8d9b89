package device

import "github.com/ardnew/softdap/pkg"

// ClassDriver defines the interface for USB class drivers bound to data
// endpoints.
//
// Reset and TransferComplete run on the HAL's event context. Open runs
// when a configuration is activated.
type ClassDriver interface {
	// Open offers the interface descriptor at the head of desc (followed by
	// the rest of the configuration) to the driver. It returns the number
	// of bytes the driver consumed, or 0 if the interface is not its own.
	Open(port Port, desc []byte) int

	// Reset handles a USB bus reset.
	Reset()

	// TransferComplete handles the completion of a transfer submitted by
	// the driver. It returns false if address belongs to no endpoint the
	// driver owns.
	TransferComplete(address uint8, status pkg.TransferStatus, n int) bool

	// Close releases any endpoints and resources held by the driver.
	Close() error
}

// Port is the endpoint service a stack offers its class drivers.
type Port interface {
	// OpenEndpoint enables the described endpoint and returns its handle.
	OpenEndpoint(desc *EndpointDescriptor) (*Endpoint, error)

	// CloseEndpoint disables an endpoint previously opened.
	CloseEndpoint(ep *Endpoint)

	// Submit starts a transfer on ep. The caller must hold ep's claim
	// token, which stays held until the completion is delivered.
	Submit(ep *Endpoint, buf []byte) error
}
