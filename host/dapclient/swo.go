package dapclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/pkg"
)

// SWOStatus is the decoded SWO_Status response.
type SWOStatus struct {
	Active  bool
	Error   bool // stream error since the last status
	Overrun bool // trace lost since the last status
	Count   uint32
}

func decodeTraceStatus(b byte, count uint32) SWOStatus {
	return SWOStatus{
		Active:  b&dap.TraceCaptureActive != 0,
		Error:   b&dap.TraceStreamError != 0,
		Overrun: b&dap.TraceBufferOverrun != 0,
		Count:   count,
	}
}

// StartSWO selects transport, enables UART capture at baud, and starts
// capture. It returns the rate the probe configured.
func (c *Client) StartSWO(ctx context.Context, transport dap.TransportMode, baud uint32) (uint32, error) {
	if err := c.swoCommand(ctx, dap.CmdSWOTransport, byte(transport)); err != nil {
		return 0, fmt.Errorf("swo transport %s: %w", transport, err)
	}
	if err := c.swoCommand(ctx, dap.CmdSWOMode, dap.SWOModeUART); err != nil {
		return 0, fmt.Errorf("swo mode: %w", err)
	}

	req := []byte{dap.CmdSWOBaudrate, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(req[1:], baud)
	rsp, err := c.Transact(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(rsp) < 5 {
		return 0, fmt.Errorf("swo baudrate response % X: %w", rsp, pkg.ErrProtocol)
	}
	actual := binary.LittleEndian.Uint32(rsp[1:])
	if actual == 0 {
		return 0, fmt.Errorf("swo baudrate %d: %w", baud, pkg.ErrCommandFailed)
	}

	if err := c.swoCommand(ctx, dap.CmdSWOControl, 1); err != nil {
		return 0, fmt.Errorf("swo start: %w", err)
	}
	pkg.LogInfo(pkg.ComponentClient, "swo capture started",
		"transport", transport.String(), "baud", actual)
	return actual, nil
}

// StopSWO stops capture.
func (c *Client) StopSWO(ctx context.Context) error {
	return c.swoCommand(ctx, dap.CmdSWOControl, 0)
}

func (c *Client) swoCommand(ctx context.Context, id, arg byte) error {
	rsp, err := c.Transact(ctx, []byte{id, arg})
	if err != nil {
		return err
	}
	return checkStatus(rsp)
}

// SWOStatus reads the trace status. Error flags clear on the probe once
// reported.
func (c *Client) SWOStatus(ctx context.Context) (SWOStatus, error) {
	rsp, err := c.Transact(ctx, []byte{dap.CmdSWOStatus})
	if err != nil {
		return SWOStatus{}, err
	}
	if len(rsp) < 6 {
		return SWOStatus{}, fmt.Errorf("swo status response % X: %w", rsp, pkg.ErrProtocol)
	}
	return decodeTraceStatus(rsp[1], binary.LittleEndian.Uint32(rsp[2:])), nil
}

// ReadSWO polls up to len(p) trace bytes with SWO_Data.
func (c *Client) ReadSWO(ctx context.Context, p []byte) (int, SWOStatus, error) {
	want := min(len(p), c.PacketSize()-4, 0xFFFF)
	req := []byte{dap.CmdSWOData, 0, 0}
	binary.LittleEndian.PutUint16(req[1:], uint16(max(want, 0)))
	rsp, err := c.Transact(ctx, req)
	if err != nil {
		return 0, SWOStatus{}, err
	}
	if len(rsp) < 4 {
		return 0, SWOStatus{}, fmt.Errorf("swo data response % X: %w", rsp, pkg.ErrProtocol)
	}
	n := int(binary.LittleEndian.Uint16(rsp[2:]))
	if n > len(rsp)-4 || n > len(p) {
		return 0, SWOStatus{}, fmt.Errorf("swo data count %d in %d byte response: %w",
			n, len(rsp), pkg.ErrProtocol)
	}
	copy(p, rsp[4:4+n])
	return n, decodeTraceStatus(rsp[1], uint32(n)), nil
}

// StreamSWO copies trace bytes to w until ctx is done. It reads the
// streaming endpoint when one is attached and polls with SWO_Data
// otherwise. It returns the number of bytes written.
func (c *Client) StreamSWO(ctx context.Context, w io.Writer) (int64, error) {
	if c.swo != nil {
		return c.streamEndpoint(ctx, w)
	}
	return c.streamPoll(ctx, w)
}

func (c *Client) streamEndpoint(ctx context.Context, w io.Writer) (int64, error) {
	buf := make([]byte, max(c.PacketSize(), dap.PacketSizeHighSpeed))
	var total int64
	for {
		n, err := readContext(ctx, c.swo, buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return total, ctx.Err()
			}
			return total, fmt.Errorf("swo read: %w", err)
		}
	}
}

func (c *Client) streamPoll(ctx context.Context, w io.Writer) (int64, error) {
	buf := make([]byte, c.PacketSize())
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var total int64
	for {
		n, st, err := c.ReadSWO(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, err
		}
		if st.Overrun {
			pkg.LogWarn(pkg.ComponentClient, "swo trace overrun")
		}
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
			continue
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-ticker.C:
		}
	}
}
