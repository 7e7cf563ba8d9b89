package dap

import "sync/atomic"

// Counter words hold a reset epoch above an 8-bit ring counter. The epoch
// changes on every clear, so a compare-and-swap started before a clear can
// never succeed after it, even when the counter value repeats.
const (
	counterBits = 8
	counterMask = 1<<counterBits - 1
	epochMask   = 1<<(32-counterBits) - 1
)

func epochOf(v uint32) uint32 { return v >> counterBits }

// bump increments the counter byte of v, wrapping at 256, and keeps the epoch.
func bump(v uint32) uint32 { return v&^counterMask | uint32(uint8(v)+1) }

// packetRing is a fixed pool of MTU-sized slots addressed by two 8-bit
// monotonic counters. The producer alone advances wp and the consumer
// alone advances rp; a slot's bytes and size are published by the counter
// store that follows them. clear is the one operation that writes both.
type packetRing struct {
	wp, rp atomic.Uint32 // epoch<<8 | counter
	mask   uint8
	mtu    int
	buf    []byte
	size   []int
}

func newPacketRing(count, mtu int) *packetRing {
	return &packetRing{
		mask: uint8(count - 1),
		mtu:  mtu,
		buf:  make([]byte, count*mtu),
		size: make([]int, count),
	}
}

func (r *packetRing) capacity() int {
	return int(r.mask) + 1
}

func (r *packetRing) write() uint8 { return uint8(r.wp.Load()) }
func (r *packetRing) read() uint8  { return uint8(r.rp.Load()) }

// occupancy is (wp - rp) mod 256.
func (r *packetRing) occupancy() int {
	return int(r.write() - r.read())
}

func (r *packetRing) full() bool {
	return r.occupancy() >= r.capacity()
}

// snapshot loads both counters at once. ok is false while a clear is
// half done and the two words still carry different epochs.
func (r *packetRing) snapshot() (epoch uint32, wp, rp uint8, ok bool) {
	w, rd := r.wp.Load(), r.rp.Load()
	return epochOf(w), uint8(w), uint8(rd), epochOf(w) == epochOf(rd)
}

// slot returns the full MTU slot for counter value c.
func (r *packetRing) slot(c uint8) []byte {
	off := int(c&r.mask) * r.mtu
	return r.buf[off : off+r.mtu : off+r.mtu]
}

func (r *packetRing) setSize(c uint8, n int) { r.size[c&r.mask] = n }
func (r *packetRing) sizeOf(c uint8) int     { return r.size[c&r.mask] }

// advanceWrite and advanceRead are for the context that owns the counter
// and also delivers clear, so no clear can interleave with them.
func (r *packetRing) advanceWrite() { r.wp.Store(bump(r.wp.Load())) }
func (r *packetRing) advanceRead()  { r.rp.Store(bump(r.rp.Load())) }

// commitWrite records n bytes in the slot at wp and publishes it, provided
// the ring is still in epoch and has room. It reports false when a clear
// has intervened or the ring is full; the slot is then discarded.
func (r *packetRing) commitWrite(epoch uint32, n int) bool {
	w := r.wp.Load()
	if epochOf(w) != epoch || int(uint8(w)-r.read()) >= r.capacity() {
		return false
	}
	r.setSize(uint8(w), n)
	return r.wp.CompareAndSwap(w, bump(w))
}

// commitRead frees the slot at rp, provided the ring is still in epoch
// and not empty.
func (r *packetRing) commitRead(epoch uint32) bool {
	rd := r.rp.Load()
	if epochOf(rd) != epoch || uint8(rd) == r.write() {
		return false
	}
	return r.rp.CompareAndSwap(rd, bump(rd))
}

// clear empties the ring into epoch without touching slot memory.
func (r *packetRing) clear(epoch uint32) {
	v := (epoch & epochMask) << counterBits
	r.rp.Store(v)
	r.wp.Store(v)
}
