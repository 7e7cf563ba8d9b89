// Package dap implements the CMSIS-DAP v2 bulk transport for the softdap
// device stack.
//
// An Interface binds one vendor-class USB interface with a bulk OUT
// endpoint for requests, a bulk IN endpoint for responses, and an
// optional second bulk IN endpoint for SWO trace. Requests and responses
// each live in a fixed ring of packet slots; trace bytes live in a byte
// FIFO.
//
// # Contexts
//
// Two contexts touch an Interface. The event context is whatever
// goroutine the HAL delivers completions on; it runs TransferComplete and
// Reset. The foreground context is the single goroutine that executes
// commands:
//
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-itf.Ready():
//	    }
//	    itf.ServiceAll(cmds)
//	    itf.Task()
//	}
//
// Each ring counter has exactly one writer, and every transfer start is
// guarded by the endpoint claim token, so neither side ever waits on the
// other.
//
// # Batching
//
// A host may send a run of QueueCommands packets terminated by any other
// command. None of the run is handed to the foreground until the
// terminating packet has arrived; each queued packet is then relabelled
// ExecuteCommands and executed in order, producing one response per
// packet.
//
// # Transfer abort
//
// A TransferAbort packet never enters the request ring. It is reported
// through Config.OnTransferAbort on the event context and its slot is
// reused for the next packet.
package dap
