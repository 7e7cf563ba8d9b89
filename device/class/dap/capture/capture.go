package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/pkg"
)

// Sink receives captured trace bytes. *dap.SWO satisfies it.
type Sink interface {
	Enqueue(p []byte) int
}

// DefaultReadSize is the buffer used for each read from the source.
const DefaultReadSize = 256

// opener returns a stream delivering trace bytes at the given rate.
type opener func(baud uint32) (io.ReadCloser, error)

// pump runs the capture state machine shared by every source. Control
// methods are called from the command processor; the copy loop runs on
// its own goroutine.
type pump struct {
	name string
	sink Sink
	open opener

	// restart reopens a running stream when the rate changes.
	restart bool

	mutex  sync.Mutex
	mode   uint8
	baud   uint32
	active bool
	stream io.ReadCloser
	done   chan struct{}

	closing   atomic.Bool
	bytesRead atomic.Uint64
	lastErr   atomic.Pointer[error]
}

func newPump(name string, sink Sink, open opener) *pump {
	return &pump{name: name, sink: sink, open: open}
}

// SetMode implements dap.Capture. Only UART capture is available.
func (p *pump) SetMode(mode uint8) error {
	switch mode {
	case dap.SWOModeOff:
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.stopLocked()
		p.mode = mode
		return nil
	case dap.SWOModeUART:
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.mode = mode
		return nil
	default:
		return fmt.Errorf("capture mode %d: %w", mode, pkg.ErrNotSupported)
	}
}

// SetBaudrate records the rate for the next SetActive(true). A running
// capture is restarted at the new rate.
func (p *pump) SetBaudrate(baud uint32) uint32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.baud = baud
	if p.restart && p.active && baud != 0 {
		p.stopLocked()
		if err := p.startLocked(); err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "restart failed", "source", p.name, "error", err)
			return 0
		}
	}
	return baud
}

// SetActive implements dap.Capture.
func (p *pump) SetActive(active bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if active == p.active {
		return nil
	}
	if !active {
		p.stopLocked()
		return nil
	}
	if p.mode != dap.SWOModeUART {
		return fmt.Errorf("capture start: %w", pkg.ErrNotConfigured)
	}
	return p.startLocked()
}

// Active reports whether capture is enabled. The copy loop may already
// have ended if the stream reached its end.
func (p *pump) Active() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.active
}

// BytesRead returns the number of bytes read from the source.
func (p *pump) BytesRead() uint64 {
	return p.bytesRead.Load()
}

// Err returns the error that ended the last copy loop, if any.
func (p *pump) Err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *pump) startLocked() error {
	stream, err := p.open(p.baud)
	if err != nil {
		return fmt.Errorf("capture open %s: %w", p.name, err)
	}
	p.stream = stream
	p.active = true
	p.done = make(chan struct{})
	p.closing.Store(false)
	p.lastErr.Store(nil)
	go p.copyLoop(stream, p.done)
	pkg.LogDebug(pkg.ComponentCapture, "capture started", "source", p.name, "baud", p.baud)
	return nil
}

// stopLocked closes the stream and waits for the copy loop to observe it.
func (p *pump) stopLocked() {
	if !p.active {
		return
	}
	p.active = false
	p.closing.Store(true)
	if err := p.stream.Close(); err != nil {
		pkg.LogDebug(pkg.ComponentCapture, "close failed", "source", p.name, "error", err)
	}
	<-p.done
	p.stream = nil
	pkg.LogDebug(pkg.ComponentCapture, "capture stopped", "source", p.name,
		"bytes", p.bytesRead.Load())
}

func (p *pump) copyLoop(stream io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, DefaultReadSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			p.bytesRead.Add(uint64(n))
			p.sink.Enqueue(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closing.Load() {
				p.lastErr.Store(&err)
				pkg.LogDebug(pkg.ComponentCapture, "read ended", "source", p.name, "error", err)
			}
			return
		}
	}
}
