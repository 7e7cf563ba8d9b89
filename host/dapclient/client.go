package dapclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/pkg"
)

// DefaultPollInterval is the SWO_Data polling period used by StreamSWO
// when the probe has no streaming endpoint.
const DefaultPollInterval = 10 * time.Millisecond

type contextReader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

type contextWriter interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// Client speaks the CMSIS-DAP v2 packet protocol over a bulk link: one
// packet written for every command packet, one packet read for every
// response.
//
// Readers and writers that also implement ReadContext or WriteContext
// are driven through those methods so blocking transfers honour the
// caller's context.
type Client struct {
	w   io.Writer
	r   io.Reader
	swo io.Reader

	mutex       sync.Mutex
	packetSize  int
	packetCount int

	pollInterval time.Duration
}

// New returns a client writing command packets to w and reading
// responses from r.
func New(w io.Writer, r io.Reader, packetSize int) *Client {
	if packetSize <= 0 {
		packetSize = dap.PacketSizeFullSpeed
	}
	return &Client{
		w:            w,
		r:            r,
		packetSize:   packetSize,
		pollInterval: DefaultPollInterval,
	}
}

// SetSWO attaches the probe's streaming trace endpoint.
func (c *Client) SetSWO(r io.Reader) {
	c.swo = r
}

// SetPollInterval changes the SWO polling period.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// PacketSize returns the packet size used to frame commands.
func (c *Client) PacketSize() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.packetSize
}

// PacketCount returns the probe's packet buffer count, or 0 if unknown.
func (c *Client) PacketCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.packetCount
}

// Discover reads the probe's packet size and packet count and adopts
// them for later transactions.
func (c *Client) Discover(ctx context.Context) error {
	size, err := c.Info(ctx, dap.InfoPacketSize)
	if err != nil {
		return err
	}
	if len(size) != 2 {
		return fmt.Errorf("packet size info length %d: %w", len(size), pkg.ErrProtocol)
	}
	count, err := c.Info(ctx, dap.InfoPacketCount)
	if err != nil {
		return err
	}
	if len(count) != 1 {
		return fmt.Errorf("packet count info length %d: %w", len(count), pkg.ErrProtocol)
	}

	packetSize := int(binary.LittleEndian.Uint16(size))
	packetCount := int(count[0])

	c.mutex.Lock()
	c.packetSize = packetSize
	c.packetCount = packetCount
	c.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClient, "probe discovered",
		"packetSize", packetSize, "packetCount", packetCount)
	return nil
}

// Transact sends one command packet and returns its response packet.
func (c *Client) Transact(ctx context.Context, cmd []byte) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command: %w", pkg.ErrInvalidParameter)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(cmd) > c.packetSize {
		return nil, fmt.Errorf("command of %d bytes exceeds packet size %d: %w",
			len(cmd), c.packetSize, pkg.ErrBufferTooSmall)
	}
	if err := c.write(ctx, cmd); err != nil {
		return nil, err
	}
	rsp, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkID(cmd[0], rsp); err != nil {
		return nil, err
	}
	return rsp, nil
}

// Queue sends cmds as one batch: the commands are packed into
// QueueCommands packets, the last of which is sent as ExecuteCommands.
// It returns one response per packet. The batch must fit in the probe's
// packet buffers when PacketCount is known.
func (c *Client) Queue(ctx context.Context, cmds [][]byte) ([][]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	packets, err := pack(cmds, c.packetSize)
	if err != nil {
		return nil, err
	}
	if c.packetCount > 0 && len(packets) > c.packetCount {
		return nil, fmt.Errorf("batch of %d packets exceeds probe buffer count %d: %w",
			len(packets), c.packetCount, pkg.ErrNoResources)
	}
	for _, p := range packets {
		if err := c.write(ctx, p); err != nil {
			return nil, err
		}
	}
	rsps := make([][]byte, 0, len(packets))
	for range packets {
		rsp, err := c.read(ctx)
		if err != nil {
			return rsps, err
		}
		if err := checkID(dap.CmdExecuteCommands, rsp); err != nil {
			return rsps, err
		}
		rsps = append(rsps, rsp)
	}
	pkg.LogDebug(pkg.ComponentClient, "batch executed",
		"commands", len(cmds), "packets", len(packets))
	return rsps, nil
}

// pack frames cmds into count-prefixed packets of at most size bytes.
func pack(cmds [][]byte, size int) ([][]byte, error) {
	if len(cmds) == 0 {
		return nil, fmt.Errorf("empty batch: %w", pkg.ErrInvalidParameter)
	}
	var packets [][]byte
	cur := []byte{dap.CmdQueueCommands, 0}
	for _, cmd := range cmds {
		if len(cmd) == 0 || len(cmd) > size-2 {
			return nil, fmt.Errorf("command of %d bytes does not fit a %d byte packet: %w",
				len(cmd), size, pkg.ErrBufferTooSmall)
		}
		if len(cur)+len(cmd) > size || cur[1] == 0xFF {
			packets = append(packets, cur)
			cur = []byte{dap.CmdQueueCommands, 0}
		}
		cur = append(cur, cmd...)
		cur[1]++
	}
	cur[0] = dap.CmdExecuteCommands
	return append(packets, cur), nil
}

// Abort sends TransferAbort. The probe sends no response.
func (c *Client) Abort(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.write(ctx, []byte{dap.CmdTransferAbort})
}

// Info returns the value of DAP_Info id.
func (c *Client) Info(ctx context.Context, id byte) ([]byte, error) {
	rsp, err := c.Transact(ctx, []byte{dap.CmdInfo, id})
	if err != nil {
		return nil, err
	}
	if len(rsp) < 2 || 2+int(rsp[1]) > len(rsp) {
		return nil, fmt.Errorf("info 0x%02X response % X: %w", id, rsp, pkg.ErrProtocol)
	}
	return rsp[2 : 2+int(rsp[1])], nil
}

// InfoString returns a string-valued DAP_Info id without its terminator.
func (c *Client) InfoString(ctx context.Context, id byte) (string, error) {
	v, err := c.Info(ctx, id)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(v, "\x00")), nil
}

// HostStatus reports a host state change to the probe.
func (c *Client) HostStatus(ctx context.Context, typ byte, on bool) error {
	var v byte
	if on {
		v = 1
	}
	rsp, err := c.Transact(ctx, []byte{dap.CmdHostStatus, typ, v})
	if err != nil {
		return err
	}
	return checkStatus(rsp)
}

func (c *Client) write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if cw, ok := c.w.(contextWriter); ok {
		_, err = cw.WriteContext(ctx, p)
	} else {
		_, err = c.w.Write(p)
	}
	if err != nil {
		return fmt.Errorf("write command 0x%02X: %w", p[0], err)
	}
	return nil
}

func (c *Client) read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, c.packetSize)
	n, err := readContext(ctx, c.r, buf)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return buf[:n], nil
}

func readContext(ctx context.Context, r io.Reader, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cr, ok := r.(contextReader); ok {
		return cr.ReadContext(ctx, p)
	}
	return r.Read(p)
}

func checkID(id byte, rsp []byte) error {
	if len(rsp) == 0 {
		return fmt.Errorf("empty response to 0x%02X: %w", id, pkg.ErrProtocol)
	}
	if rsp[0] == id {
		return nil
	}
	if rsp[0] == dap.CmdInvalid {
		return fmt.Errorf("command 0x%02X rejected: %w", id, pkg.ErrNotSupported)
	}
	return fmt.Errorf("response 0x%02X to command 0x%02X: %w", rsp[0], id, pkg.ErrResponseMismatch)
}

func checkStatus(rsp []byte) error {
	if len(rsp) < 2 {
		return fmt.Errorf("response % X: %w", rsp, pkg.ErrProtocol)
	}
	if rsp[1] != dap.StatusOK {
		return fmt.Errorf("command 0x%02X: %w", rsp[0], pkg.ErrCommandFailed)
	}
	return nil
}
