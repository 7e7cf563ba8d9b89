package dap

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ardnew/softdap/pkg"
)

// SWO capture modes (SWO_Mode request byte).
const (
	SWOModeOff        = 0
	SWOModeUART       = 1
	SWOModeManchester = 2
)

// Capture drives the hardware (or simulated source) that produces SWO
// trace bytes.
type Capture interface {
	// SetMode enables the given capture mode. SWOModeOff disables it.
	SetMode(mode uint8) error

	// SetBaudrate requests a UART rate and returns the rate actually
	// configured, or 0 if it cannot be met.
	SetBaudrate(baud uint32) uint32

	// SetActive starts or stops capture.
	SetActive(active bool) error
}

// CommandsConfig identifies the probe and its trace source.
type CommandsConfig struct {
	Vendor   string
	Product  string
	Serial   string
	Firmware string

	// Capture is optional; without it only SWOModeOff is accepted.
	Capture Capture
}

// Commands is a minimal DAP command processor: probe information, host
// status, batching, and the SWO trace commands. Commands that need a
// debug port answer CmdInvalid.
//
// Execute runs on the foreground context. Abort may be called from the
// event context.
type Commands struct {
	itf *Interface
	cfg CommandsConfig

	traceMode   atomic.Uint32
	traceActive atomic.Bool
	hostStatus  [2]atomic.Bool
	abort       atomic.Bool
}

// NewCommands returns a processor bound to itf.
func NewCommands(itf *Interface, cfg CommandsConfig) *Commands {
	return &Commands{itf: itf, cfg: cfg}
}

// Abort latches a TransferAbort request.
func (c *Commands) Abort() {
	c.abort.Store(true)
}

// TakeAbort reports whether an abort was latched and clears the latch.
func (c *Commands) TakeAbort() bool {
	return c.abort.Swap(false)
}

// HostStatus returns the last state the host reported for typ
// (HostStatusConnect or HostStatusRunning).
func (c *Commands) HostStatus(typ uint8) bool {
	if int(typ) >= len(c.hostStatus) {
		return false
	}
	return c.hostStatus[typ].Load()
}

// TraceMode returns the active SWO capture mode.
func (c *Commands) TraceMode() uint8 {
	return uint8(c.traceMode.Load())
}

// TraceActive reports whether SWO capture is running.
func (c *Commands) TraceActive() bool {
	return c.traceActive.Load()
}

// Capabilities returns the InfoCapabilities byte.
func (c *Commands) Capabilities() uint8 {
	var caps uint8
	if c.cfg.Capture != nil {
		caps |= CapSWOUART
	}
	if c.itf.swo.Supports(TransportStream) {
		caps |= CapSWOStream
	}
	return caps
}

// Execute implements Executor.
func (c *Commands) Execute(request, response []byte) int {
	if len(request) == 0 || len(response) == 0 {
		return 0
	}
	if request[0] == CmdExecuteCommands {
		return c.executeCommands(request, response)
	}
	_, n := c.command(request, response)
	return n
}

// executeCommands runs a count-prefixed list of commands. The response
// echoes the id and count followed by each command's response.
func (c *Commands) executeCommands(request, response []byte) int {
	if len(request) < 2 || len(response) < 2 {
		response[0] = CmdInvalid
		return 1
	}
	count := int(request[1])
	response[0] = CmdExecuteCommands
	response[1] = request[1]
	req, rsp := request[2:], response[2:]
	total := 2
	for ; count > 0 && len(req) > 0 && len(rsp) > 0; count-- {
		if req[0] == CmdExecuteCommands || req[0] == CmdQueueCommands {
			rsp[0] = CmdInvalid
			total++
			break
		}
		nreq, nrsp := c.command(req, rsp)
		req, rsp = req[nreq:], rsp[nrsp:]
		total += nrsp
	}
	return total
}

// command executes one command and returns the request and response
// lengths, both including the id byte.
func (c *Commands) command(req, rsp []byte) (int, int) {
	rsp[0] = req[0]
	args, out := req[1:], rsp[1:]

	var nreq, nrsp int
	switch req[0] {
	case CmdInfo:
		nreq, nrsp = 1, c.info(args, out)
	case CmdHostStatus:
		nreq, nrsp = 2, c.setHostStatus(args, out)
	case CmdConnect:
		nreq, nrsp = 1, put8(out, 0) // no debug port
	case CmdDisconnect:
		nreq, nrsp = 0, put8(out, StatusOK)
	case CmdTransferAbort:
		c.Abort()
		nreq, nrsp = 0, 0
	case CmdSWOTransport:
		nreq, nrsp = 1, c.swoTransport(args, out)
	case CmdSWOMode:
		nreq, nrsp = 1, c.swoMode(args, out)
	case CmdSWOBaudrate:
		nreq, nrsp = 4, c.swoBaudrate(args, out)
	case CmdSWOControl:
		nreq, nrsp = 1, c.swoControl(args, out)
	case CmdSWOStatus:
		nreq, nrsp = 0, c.swoStatus(out)
	case CmdSWOExtended:
		nreq, nrsp = 1, c.swoExtendedStatus(args, out)
	case CmdSWOData:
		nreq, nrsp = 2, c.swoData(args, out)
	default:
		rsp[0] = CmdInvalid
		pkg.LogDebug(pkg.ComponentDAP, "unsupported command", "id", req[0])
		return len(req), 1
	}
	if nreq > len(args) || nrsp < 0 {
		rsp[0] = CmdInvalid
		return len(req), 1
	}
	return 1 + nreq, 1 + nrsp
}

func put8(out []byte, v uint8) int {
	if len(out) < 1 {
		return -1
	}
	out[0] = v
	return 1
}

func putStatus(out []byte, ok bool) int {
	if ok {
		return put8(out, StatusOK)
	}
	return put8(out, StatusError)
}

// info answers DAP_Info with [id, length, value...].
func (c *Commands) info(args, out []byte) int {
	if len(args) < 1 || len(out) < 1 {
		return -1
	}
	value := out[1:]
	var n int
	switch args[0] {
	case InfoVendor:
		n = putString(value, c.cfg.Vendor)
	case InfoProduct:
		n = putString(value, c.cfg.Product)
	case InfoSerial:
		n = putString(value, c.cfg.Serial)
	case InfoFirmware:
		n = putString(value, c.cfg.Firmware)
	case InfoProtocolVersion:
		n = putString(value, ProtocolVersion)
	case InfoCapabilities:
		n = put8(value, c.Capabilities())
	case InfoSWOBufferSize:
		if len(value) >= 4 {
			binary.LittleEndian.PutUint32(value, uint32(c.itf.swo.Cap()))
			n = 4
		}
	case InfoPacketCount:
		n = put8(value, uint8(c.itf.cfg.PacketCount))
	case InfoPacketSize:
		if len(value) >= 2 {
			binary.LittleEndian.PutUint16(value, uint16(c.itf.cfg.PacketSize))
			n = 2
		}
	}
	n = max(n, 0)
	out[0] = uint8(n)
	return 1 + n
}

// putString writes s with its NUL terminator. An empty or oversized
// string reports length 0.
func putString(out []byte, s string) int {
	if s == "" || len(s)+1 > len(out) || len(s)+1 > 0xFF {
		return 0
	}
	copy(out, s)
	out[len(s)] = 0
	return len(s) + 1
}

func (c *Commands) setHostStatus(args, out []byte) int {
	if len(args) < 2 {
		return -1
	}
	if int(args[0]) < len(c.hostStatus) {
		c.hostStatus[args[0]].Store(args[1]&0x01 != 0)
	}
	return put8(out, StatusOK)
}

// swoTransport selects the trace delivery path. It is refused while
// capture is running.
func (c *Commands) swoTransport(args, out []byte) int {
	if len(args) < 1 {
		return -1
	}
	ok := !c.traceActive.Load() &&
		c.itf.swo.SetTransport(TransportMode(args[0])) == nil
	return putStatus(out, ok)
}

// swoMode switches the capture mode. Any failure leaves capture off, and
// every call stops capture.
func (c *Commands) swoMode(args, out []byte) int {
	if len(args) < 1 {
		return -1
	}
	mode := args[0]
	c.stopCapture()
	if cp := c.cfg.Capture; cp != nil && c.TraceMode() != SWOModeOff {
		if err := cp.SetMode(SWOModeOff); err != nil {
			pkg.LogWarn(pkg.ComponentSWO, "capture disable failed", "error", err)
		}
	}

	ok := false
	switch mode {
	case SWOModeOff:
		ok = true
	case SWOModeUART:
		if cp := c.cfg.Capture; cp != nil {
			err := cp.SetMode(mode)
			if err != nil {
				pkg.LogWarn(pkg.ComponentSWO, "capture mode failed", "mode", mode, "error", err)
			}
			ok = err == nil
		}
	}
	if ok {
		c.traceMode.Store(uint32(mode))
	} else {
		c.traceMode.Store(SWOModeOff)
	}
	return putStatus(out, ok)
}

func (c *Commands) swoBaudrate(args, out []byte) int {
	if len(args) < 4 || len(out) < 4 {
		return -1
	}
	baud := binary.LittleEndian.Uint32(args)
	if cp := c.cfg.Capture; cp != nil && c.TraceMode() == SWOModeUART {
		baud = cp.SetBaudrate(baud)
	} else {
		baud = 0
	}
	if baud == 0 {
		c.stopCapture()
	}
	binary.LittleEndian.PutUint32(out, baud)
	return 4
}

// swoControl starts or stops capture. Starting discards any held trace.
func (c *Commands) swoControl(args, out []byte) int {
	if len(args) < 1 {
		return -1
	}
	active := args[0]&TraceCaptureActive != 0
	if active == c.traceActive.Load() {
		return putStatus(out, true)
	}
	if active {
		c.itf.swo.Clear()
		c.itf.swo.TakeOverrun()
		c.itf.swo.TakeStreamError()
	}
	ok := false
	if cp := c.cfg.Capture; cp != nil && c.TraceMode() == SWOModeUART {
		err := cp.SetActive(active)
		if err != nil {
			pkg.LogWarn(pkg.ComponentSWO, "capture control failed", "active", active, "error", err)
		}
		ok = err == nil
	}
	if ok {
		c.traceActive.Store(active)
		pkg.LogDebug(pkg.ComponentSWO, "capture control", "itf", c.itf.index, "active", active)
	}
	return putStatus(out, ok)
}

func (c *Commands) stopCapture() {
	if !c.traceActive.Swap(false) {
		return
	}
	if cp := c.cfg.Capture; cp != nil {
		if err := cp.SetActive(false); err != nil {
			pkg.LogWarn(pkg.ComponentSWO, "capture stop failed", "error", err)
		}
	}
}

// traceStatus returns the SWO status byte. Error flags are cleared as
// they are reported.
func (c *Commands) traceStatus() uint8 {
	var status uint8
	if c.traceActive.Load() {
		status |= TraceCaptureActive
	}
	if c.itf.swo.TakeStreamError() {
		status |= TraceStreamError
	}
	if c.itf.swo.TakeOverrun() {
		status |= TraceBufferOverrun
	}
	return status
}

func (c *Commands) swoStatus(out []byte) int {
	if len(out) < 5 {
		return -1
	}
	out[0] = c.traceStatus()
	binary.LittleEndian.PutUint32(out[1:], uint32(c.itf.swo.Used()))
	return 5
}

// swoExtendedStatus reports the fields selected by the request bits:
// 0x01 status, 0x02 count. Timestamps (0x04) are not kept.
func (c *Commands) swoExtendedStatus(args, out []byte) int {
	if len(args) < 1 || len(out) < 5 {
		return -1
	}
	n := 0
	if args[0]&0x01 != 0 {
		out[n] = c.traceStatus()
		n++
	}
	if args[0]&0x02 != 0 {
		binary.LittleEndian.PutUint32(out[n:], uint32(c.itf.swo.Used()))
		n += 4
	}
	return n
}

// swoData drains up to the requested count of trace bytes when the
// polled transport is selected: [status, count lo, count hi, data...].
func (c *Commands) swoData(args, out []byte) int {
	if len(args) < 2 || len(out) < 3 {
		return -1
	}
	status := c.traceStatus()
	want := int(binary.LittleEndian.Uint16(args))
	want = min(want, c.itf.cfg.PacketSize-4, len(out)-3)
	n := c.itf.swo.Dequeue(out[3 : 3+max(want, 0)])
	out[0] = status
	binary.LittleEndian.PutUint16(out[1:], uint16(n))
	return 3 + n
}

var _ Executor = (*Commands)(nil)
