package dap

// Command identifiers (byte 0 of every request and response).
const (
	CmdInfo            = 0x00
	CmdHostStatus      = 0x01
	CmdConnect         = 0x02
	CmdDisconnect      = 0x03
	CmdTransferAbort   = 0x07
	CmdSWOTransport    = 0x17
	CmdSWOMode         = 0x18
	CmdSWOBaudrate     = 0x19
	CmdSWOControl      = 0x1A
	CmdSWOStatus       = 0x1B
	CmdSWOData         = 0x1C
	CmdSWOExtended     = 0x1E
	CmdQueueCommands   = 0x7E
	CmdExecuteCommands = 0x7F
	CmdInvalid         = 0xFF
)

// Response status bytes.
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_Info identifiers.
const (
	InfoVendor          = 0x01
	InfoProduct         = 0x02
	InfoSerial          = 0x03
	InfoProtocolVersion = 0x04
	InfoFirmware        = 0x09
	InfoCapabilities    = 0xF0
	InfoSWOBufferSize   = 0xFD
	InfoPacketCount     = 0xFE
	InfoPacketSize      = 0xFF
)

// ProtocolVersion is reported for InfoProtocolVersion.
const ProtocolVersion = "2.1.0"

// Capability bits reported for InfoCapabilities.
const (
	CapSWD           = 0x01
	CapJTAG          = 0x02
	CapSWOUART       = 0x04
	CapSWOManchester = 0x08
	CapAtomic        = 0x10
	CapTimer         = 0x20
	CapSWOStream     = 0x40
)

// SWO trace status flags.
const (
	TraceCaptureActive = 0x01
	TraceStreamError   = 0x40
	TraceBufferOverrun = 0x80
)

// HostStatus types.
const (
	HostStatusConnect = 0x00
	HostStatusRunning = 0x01
)

// Packet sizes for full and high speed bulk endpoints.
const (
	PacketSizeFullSpeed = 64
	PacketSizeHighSpeed = 512
)

// MaxPacketCount is the largest ring capacity the 8-bit counters allow.
const MaxPacketCount = 128
