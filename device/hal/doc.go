// Package hal defines the Hardware Abstraction Layer interface for USB device stacks.
//
// The HAL sits between the device stack and the USB controller. Unlike a
// blocking read/write interface, transfers are submitted and later
// completed through an [EventHandler] running on the controller's event
// context, which is how interrupt-driven controllers behave:
//
//	h.SetEventHandler(stack)
//	h.OpenEndpoint(hal.EndpointConfig{Address: 0x01, Attributes: 0x02, MaxPacketSize: 64})
//	h.Submit(0x01, buf) // returns immediately
//	// later: stack.TransferComplete(0x01, pkg.TransferStatusSuccess, n)
//
// Control endpoint handling and enumeration are left to the platform.
//
// An in-memory HAL with a simulated host side is available in
// [github.com/ardnew/softdap/device/hal/mem].
package hal
