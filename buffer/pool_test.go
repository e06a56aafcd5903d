package buffer_test

import (
	"testing"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/wire"
)

func TestAllocFree(t *testing.T) {
	p := buffer.NewPool(2)
	a := p.Alloc()
	b := p.Alloc()
	if a == nil || b == nil {
		t.Fatal("allocs failed")
	}
	if p.Alloc() != nil {
		t.Error("pool should be exhausted")
	}
	if a.Off != buffer.Overhead {
		t.Error("data start offset not applied:", a.Off)
	}
	p.Free(a)
	if p.Avail() != 1 {
		t.Error("free did not return the buffer")
	}
	if p.Alloc() == nil {
		t.Error("realloc after free failed")
	}
}

func TestMetaSidecar(t *testing.T) {
	p := buffer.NewPool(4)
	v := p.Alloc()
	m := p.MetaOf(v)
	if m.Idx != v.Idx {
		t.Fatal("meta not joined by index")
	}
	m.StreamID = 8
	m.HasStream = true
	if p.Meta(v.Idx).StreamID != 8 {
		t.Error("Meta and MetaOf disagree")
	}
	p.Free(v)
	if p.MetaOf(p.Buf(v.Idx)).HasStream {
		t.Error("free should zero the meta")
	}
}

func TestRTXChainReciprocal(t *testing.T) {
	p := buffer.NewPool(4)
	orig := p.Alloc()
	rtx := p.Alloc()
	p.LinkRTX(p.MetaOf(orig), p.MetaOf(rtx))

	if got := p.MetaOf(orig).RTX; len(got) != 1 || got[0] != rtx.Idx {
		t.Error("orig does not point at rtx")
	}
	if got := p.MetaOf(rtx).RTX; len(got) != 1 || got[0] != orig.Idx {
		t.Error("rtx does not point at orig")
	}

	// freeing one end severs the other's link
	p.Free(rtx)
	if len(p.MetaOf(orig).RTX) != 0 {
		t.Error("free did not sever the reciprocal link")
	}
}

func TestFrameBitset(t *testing.T) {
	var m buffer.Meta
	m.TrackFrame(wire.FTAck)
	m.TrackFrame(wire.FTPad)
	if !m.AckOnly() {
		t.Error("ACK+PAD packet should be ack-only")
	}
	m.TrackFrame(wire.FTStream | 0x05) // any stream subtype
	if m.AckOnly() {
		t.Error("stream packet is not ack-only")
	}
	if !m.HasFrame(wire.FTStream) || !m.Rtxable() {
		t.Error("stream subtypes should normalize to FTStream")
	}
	m2 := buffer.Meta{}
	m2.TrackFrame(wire.FTAckECN)
	if !m2.HasFrame(wire.FTAck) {
		t.Error("ACK_ECN should normalize to FTAck")
	}
}
