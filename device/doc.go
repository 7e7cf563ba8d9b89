// Package device implements the data-endpoint half of a pure-Go USB device
// stack.
//
// It is platform-agnostic and interacts with hardware via the asynchronous
// [hal.DeviceHAL] interface defined in
// [github.com/ardnew/softdap/device/hal]. Enumeration and the control
// endpoint belong to the platform; this package starts at the point where
// a configuration has been selected.
//
// # Architecture
//
//   - [Stack] activates a configuration, routes completions, and handles bus reset
//   - [ClassDriver] is implemented by class drivers that bind interfaces
//   - [Port] is the endpoint service the stack offers its drivers
//   - [Endpoint] carries an opened endpoint and its claim token
//
// # Claim Protocol
//
// Every [Endpoint] owns a single transfer token. Whichever context wins
// [Endpoint.Claim] may submit one transfer; the token is returned when the
// completion is delivered or when the holder decides there is nothing to
// send. Claim never waits, so completion handlers and foreground code can
// race for an endpoint without locks.
//
// # Example
//
//	drv, _ := dap.NewDriver(1, dap.DefaultConfig())
//	stack := device.NewStack(mem.New(hal.SpeedFull), drv)
//	stack.Start(ctx)
//	stack.Configure(configDescriptor)
//
// The CMSIS-DAP class driver lives in
// [github.com/ardnew/softdap/device/class/dap].
package device
