package pkg

import "errors"

// Bulk transport errors, reported by a HAL or the host link.
var (
	ErrStall    = errors.New("endpoint stalled")
	ErrTimeout  = errors.New("transfer timeout")
	ErrOverrun  = errors.New("data overrun")
	ErrProtocol = errors.New("protocol error")
	ErrNoDevice = errors.New("device not present")
	ErrBusy     = errors.New("resource busy") // a transfer is already in flight
)

// Stack and interface state errors.
var (
	ErrNotConfigured   = errors.New("interface not configured")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrAlreadyRunning  = errors.New("already running")
	ErrNotRunning      = errors.New("not running")
	ErrNoResources     = errors.New("no resources available")
)

// Argument errors.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrNotSupported     = errors.New("not supported")

	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Debug protocol errors seen by a host talking to a probe.
var (
	// ErrCommandFailed indicates the probe answered DAP_ERROR.
	ErrCommandFailed = errors.New("command failed")

	// ErrResponseMismatch indicates a response whose id does not echo the request.
	ErrResponseMismatch = errors.New("response does not match request")
)

// TransferStatus is the outcome a HAL reports for a finished bulk transfer.
type TransferStatus uint8

// Transfer outcomes.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusOverrun // OUT packet larger than the armed buffer
)

var transferStatusNames = [...]string{
	TransferStatusSuccess: "success",
	TransferStatusError:   "error",
	TransferStatusStall:   "stall",
	TransferStatusTimeout: "timeout",
	TransferStatusOverrun: "overrun",
}

func (s TransferStatus) String() string {
	if int(s) < len(transferStatusNames) {
		return transferStatusNames[s]
	}
	return "unknown"
}

// Err maps s to the matching sentinel, or nil on success.
func (s TransferStatus) Err() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusOverrun:
		return ErrOverrun
	default:
		return ErrProtocol
	}
}
