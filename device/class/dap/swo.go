package dap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdap/pkg"
)

// transport is one SWO delivery strategy. Strategies are built once per
// interface from Config.SWOTransports and never change afterwards.
type transport interface {
	mode() TransportMode

	// dequeue serves a host poll. Only the polled transport yields bytes.
	dequeue(s *SWO, p []byte) int

	// kick runs after bytes are enqueued or a streamed chunk completes.
	kick(s *SWO)
}

type noneTransport struct{}

func (noneTransport) mode() TransportMode      { return TransportNone }
func (noneTransport) dequeue(*SWO, []byte) int { return 0 }
func (noneTransport) kick(*SWO)                {}

type pollTransport struct{}

func (pollTransport) mode() TransportMode          { return TransportPoll }
func (pollTransport) dequeue(s *SWO, p []byte) int { return s.take(p) }
func (pollTransport) kick(*SWO)                    {}

type streamTransport struct{}

func (streamTransport) mode() TransportMode      { return TransportStream }
func (streamTransport) dequeue(*SWO, []byte) int { return 0 }
func (streamTransport) kick(s *SWO)              { s.drain() }

// SWO is the trace FIFO of one interface.
//
// The byte ring is guarded by a short mutex rather than split counters:
// in overwrite mode the producer must move the read index too, so both
// sides write it. The lock is never held across a transfer submission.
type SWO struct {
	itf *Interface

	mutex        sync.Mutex
	buf          []byte
	head         int // index of the oldest byte
	count        int
	overwritable bool
	overrun      bool

	transports [3]transport
	active     atomic.Uint32 // TransportMode

	streamError atomic.Bool

	// chunk and pending belong to whoever holds the SWO endpoint claim.
	chunk   []byte
	pending int

	bytesIn      atomic.Uint64
	bytesDropped atomic.Uint64
	chunksSent   atomic.Uint64
}

func newSWO(itf *Interface, cfg *Config) *SWO {
	s := &SWO{
		itf:          itf,
		buf:          make([]byte, cfg.SWOBufferSize),
		overwritable: true,
	}
	s.transports[TransportNone] = noneTransport{}
	if cfg.SWOTransports.Has(TransportPoll) {
		s.transports[TransportPoll] = pollTransport{}
	}
	if cfg.SWOTransports.Has(TransportStream) {
		s.transports[TransportStream] = streamTransport{}
		s.chunk = make([]byte, cfg.SWOChunkSize)
	}
	return s
}

func (s *SWO) strategy() transport {
	return s.transports[s.active.Load()]
}

// Transport returns the active transport mode.
func (s *SWO) Transport() TransportMode {
	return TransportMode(s.active.Load())
}

// Supports reports whether mode was constructed for this interface.
func (s *SWO) Supports(mode TransportMode) bool {
	return int(mode) < len(s.transports) && s.transports[mode] != nil
}

// SetTransport selects the delivery path. Switching to stream starts
// draining any bytes already held.
func (s *SWO) SetTransport(mode TransportMode) error {
	if !s.Supports(mode) {
		return fmt.Errorf("swo transport %s: %w", mode, pkg.ErrNotSupported)
	}
	s.active.Store(uint32(mode))
	pkg.LogDebug(pkg.ComponentSWO, "transport selected",
		"itf", s.itf.index, "mode", mode.String())
	s.strategy().kick(s)
	return nil
}

// Cap returns the FIFO capacity in bytes.
func (s *SWO) Cap() int {
	return len(s.buf)
}

// Used returns the number of bytes held.
func (s *SWO) Used() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}

// Free returns the number of bytes that fit without overwriting.
func (s *SWO) Free() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.buf) - s.count
}

// Clear discards every held byte.
func (s *SWO) Clear() {
	s.mutex.Lock()
	s.head, s.count = 0, 0
	s.mutex.Unlock()
}

// SetOverwritable selects the full-buffer policy: evict the oldest bytes
// (true) or drop the newest (false).
func (s *SWO) SetOverwritable(v bool) {
	s.mutex.Lock()
	s.overwritable = v
	s.mutex.Unlock()
}

// Overwritable reports the full-buffer policy.
func (s *SWO) Overwritable() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.overwritable
}

// TakeOverrun reports whether bytes were lost since the last call and
// clears the flag.
func (s *SWO) TakeOverrun() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v := s.overrun
	s.overrun = false
	return v
}

// TakeStreamError reports whether a streamed chunk failed to submit since
// the last call and clears the flag.
func (s *SWO) TakeStreamError() bool {
	return s.streamError.Swap(false)
}

// Enqueue stores trace bytes and returns how many of p are now held.
// When streaming, it also tries to push a chunk to the host.
func (s *SWO) Enqueue(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	n, dropped := s.put(p)
	s.bytesIn.Add(uint64(n))
	if dropped > 0 {
		s.bytesDropped.Add(uint64(dropped))
	}
	s.strategy().kick(s)
	return n
}

func (s *SWO) put(p []byte) (written, dropped int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	size := len(s.buf)
	if size == 0 {
		s.overrun = true
		return 0, len(p)
	}
	if excess := len(p) - (size - s.count); excess > 0 {
		s.overrun = true
		if !s.overwritable {
			p = p[:size-s.count]
			dropped = excess
		} else {
			if len(p) > size {
				dropped = s.count + len(p) - size
				p = p[len(p)-size:]
				s.head, s.count = 0, 0
			} else {
				dropped = excess
				s.head = (s.head + excess) % size
				s.count -= excess
			}
		}
	}

	tail := (s.head + s.count) % size
	n := copy(s.buf[tail:], p)
	copy(s.buf, p[n:])
	s.count += len(p)
	return len(p), dropped
}

// Dequeue copies held bytes into p for a host poll. It returns 0 unless
// the polled transport is active.
func (s *SWO) Dequeue(p []byte) int {
	return s.strategy().dequeue(s, p)
}

// take removes up to len(p) of the oldest bytes.
func (s *SWO) take(p []byte) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	size := len(s.buf)
	n := min(len(p), s.count)
	if n == 0 {
		return 0
	}
	first := copy(p[:n], s.buf[s.head:])
	copy(p[first:n], s.buf)
	s.head = (s.head + n) % size
	s.count -= n
	return n
}

// drain pushes one chunk through the SWO endpoint if it can be claimed.
// A chunk whose submission failed is resent before new bytes are taken.
func (s *SWO) drain() {
	b := s.itf.binding.Load()
	if b == nil || b.swo == nil {
		return
	}
	for {
		if !b.swo.Claim() {
			return
		}
		if s.pending == 0 {
			s.pending = s.take(s.chunk)
		}
		if s.pending > 0 {
			break
		}
		b.swo.Release()
		if s.Used() == 0 {
			return
		}
	}
	if err := b.port.Submit(b.swo, s.chunk[:s.pending]); err != nil {
		b.swo.Release()
		s.streamError.Store(true)
		s.itf.submitFailed(b.swo.Address, err)
	}
}

// complete handles the SWO endpoint completion.
func (s *SWO) complete(b *binding, status pkg.TransferStatus, n int) {
	if status == pkg.TransferStatusSuccess {
		s.pending = 0
		s.chunksSent.Add(1)
	} else {
		s.streamError.Store(true)
		pkg.LogWarn(pkg.ComponentSWO, "chunk transfer failed",
			"itf", s.itf.index, "status", status.String())
	}
	b.swo.Release()
	if status == pkg.TransferStatusSuccess {
		s.itf.cfg.OnSWOWriteComplete(s.itf.index)
	}
	s.strategy().kick(s)
}

// reset returns the FIFO to its post-attach state. The transport
// selection survives.
func (s *SWO) reset() {
	s.mutex.Lock()
	s.head, s.count = 0, 0
	s.overwritable = true
	s.overrun = false
	s.mutex.Unlock()
	s.pending = 0
	s.streamError.Store(false)
}
