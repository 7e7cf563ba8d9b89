// Package mem provides an in-memory implementation of [hal.DeviceHAL].
//
// The HAL plays both roles of a USB link: the device side is the ordinary
// asynchronous HAL interface, and the host side is a small set of methods
// (HostWrite, HostRead, HostReadContext, Reset) that act as a bus master.
// Completions are queued and delivered by Step, Drain, or Run, so tests
// can interleave host activity and device callbacks deterministically:
//
//	h := mem.New(hal.SpeedFull)
//	stack := device.NewStack(h, driver)
//	stack.Start(ctx)
//	h.HostWrite(0x01, packet)
//	h.Drain()
//
// The HAL is intended for tests and the dapsim command.
package mem
