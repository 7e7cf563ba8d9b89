// Package capture provides SWO trace sources for the dap package.
//
// A source implements dap.Capture. While capture is active it copies
// bytes from its underlying stream into a Sink, normally the interface's
// SWO FIFO. Serial reads a UART; Reader replays any io.Reader such as a
// recorded trace file or a pipe.
package capture
