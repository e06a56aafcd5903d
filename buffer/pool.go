// Package buffer provides the fixed-capacity packet buffer pool. Every
// buffer has a packet-meta sidecar record at the same index, so queues,
// trees and retransmit chains can refer to packets by index instead of
// by owning pointer.
// The pool is threadsafe; individual buffers are not.
package buffer

import (
	"net"
	"sync"
	"time"

	"github.com/keycodinggood/quant/wire"
)

// Overhead is the data start offset inside each buffer, leaving room to
// prepend packet and frame headers when encoding.
const Overhead = 128

// BufSize is the capacity of each pool buffer.
const BufSize = Overhead + wire.MaxPktLen + wire.HashLen

// Meta is the per-buffer packet metadata sidecar.
type Meta struct {
	Idx int32

	Hdr    wire.Header
	Frames uint32 // bitset of frame types seen in this packet

	// stream linkage, when the packet carries a STREAM or CRYPTO frame
	HasStream       bool
	StreamID        int64
	StreamOff       uint64
	StreamDataStart int // offset of stream data within the buffer
	StreamDataLen   int
	StreamFin       bool

	// Standalone marks buffers owned by the sent-packets tree alone
	// (ACK-only packets, retransmit records); they are freed when they
	// leave the tree.
	Standalone bool

	IsRTX   bool
	IsAcked bool
	IsLost  bool
	TxLen   int
	LgAcked uint64
	TxTime  time.Time

	// RTX joins original and retransmit buffers; entries are pool
	// indices and the linkage is reciprocal.
	RTX []int32
}

// TrackFrame records a frame type in the packet's bitset.
func (m *Meta) TrackFrame(t uint8) {
	if t >= wire.FTStream && t <= wire.FTStreamMax {
		t = wire.FTStream
	}
	if t == wire.FTAckECN {
		t = wire.FTAck
	}
	m.Frames |= 1 << t
}

// HasFrame reports whether the packet carried a frame of type t.
func (m *Meta) HasFrame(t uint8) bool { return m.Frames&(1<<t) != 0 }

// AckOnly reports whether the packet carried nothing but ACK and
// PADDING frames.
func (m *Meta) AckOnly() bool {
	return m.Frames != 0 &&
		m.Frames&^(1<<wire.FTAck|1<<wire.FTPad) == 0
}

// Rtxable reports whether the packet carries retransmittable data.
func (m *Meta) Rtxable() bool {
	return m.HasFrame(wire.FTStream) || m.HasFrame(wire.FTCrypto)
}

// reset zeroes the meta for reuse, keeping the pool index.
func (m *Meta) reset() {
	idx := m.Idx
	*m = Meta{Idx: idx, LgAcked: ^uint64(0)}
}

// Buf is one pool buffer. Data lives at B[Off:Off+Len]; Off starts at
// Overhead so headers can be written in front of queued payload.
type Buf struct {
	Idx  int32
	B    []byte
	Off  int
	Len  int
	Addr *net.UDPAddr
	TOS  uint8
}

// Data returns the buffer's current data view.
func (b *Buf) Data() []byte { return b.B[b.Off : b.Off+b.Len] }

// Pool is a fixed set of buffers with their meta sidecars.
type Pool struct {
	mu    sync.Mutex
	bufs  []Buf
	metas []Meta
	free  []int32
}

// NewPool allocates a pool of n buffers.
func NewPool(n int) *Pool {
	p := &Pool{
		bufs:  make([]Buf, n),
		metas: make([]Meta, n),
		free:  make([]int32, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		p.bufs[i] = Buf{Idx: int32(i), B: make([]byte, BufSize)}
		p.metas[i] = Meta{Idx: int32(i), LgAcked: ^uint64(0)}
		p.free = append(p.free, int32(i))
	}
	return p
}

// Alloc takes a buffer and its zeroed meta out of the pool. It returns
// nil when the pool is exhausted.
func (p *Pool) Alloc() *Buf {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := &p.bufs[idx]
	b.Off = Overhead
	b.Len = 0
	b.Addr = nil
	b.TOS = 0
	return b
}

// Free returns a buffer and its meta to the pool. Reciprocal RTX links
// pointing at this buffer are severed.
func (p *Pool) Free(b *Buf) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := &p.metas[b.Idx]
	for _, r := range m.RTX {
		other := &p.metas[r]
		for k, o := range other.RTX {
			if o == b.Idx {
				other.RTX = append(other.RTX[:k], other.RTX[k+1:]...)
				break
			}
		}
	}
	m.reset()
	p.free = append(p.free, b.Idx)
}

// Meta returns the sidecar for a pool index.
func (p *Pool) Meta(idx int32) *Meta { return &p.metas[idx] }

// Buf returns the buffer for a pool index.
func (p *Pool) Buf(idx int32) *Buf { return &p.bufs[idx] }

// MetaOf returns the sidecar joined to b.
func (p *Pool) MetaOf(b *Buf) *Meta { return &p.metas[b.Idx] }

// LinkRTX joins an original packet and its retransmit; both point at
// the other so lookups from either end find the pair.
func (p *Pool) LinkRTX(orig, rtx *Meta) {
	orig.RTX = append(orig.RTX, rtx.Idx)
	rtx.RTX = append(rtx.RTX, orig.Idx)
}

// CopyMeta duplicates packet metadata from src into dst, preserving
// dst's identity and RTX linkage.
func (p *Pool) CopyMeta(dst, src *Meta) {
	idx, rtx := dst.Idx, dst.RTX
	*dst = *src
	dst.Idx = idx
	dst.RTX = rtx
}

// Avail returns the number of free buffers.
func (p *Pool) Avail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
