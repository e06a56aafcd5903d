package pn_test

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/keycodinggood/quant/pn"
	"github.com/keycodinggood/quant/wire"
)

func TestNextNrStrictlyIncreasing(t *testing.T) {
	s := pn.New(pn.Init)
	prev := s.NextNr()
	if prev != 0 {
		t.Fatal("first packet number should be 0, got", prev)
	}
	for i := 0; i < 100; i++ {
		nr := s.NextNr()
		if nr != prev+1 {
			t.Fatal("packet numbers must increase by one:", prev, nr)
		}
		prev = nr
	}
}

func TestSentTree(t *testing.T) {
	s := pn.New(pn.Data)
	s.OnSent(0, 10)
	s.OnSent(1, 11)
	s.OnSent(2, 12)
	if idx, ok := s.Sent(1); !ok || idx != 11 {
		t.Error("lookup failed")
	}
	s.DelSent(1)
	if _, ok := s.Sent(1); ok {
		t.Error("delete failed")
	}
	var nrs []uint64
	s.EachSent(func(nr uint64, idx int32) bool {
		nrs = append(nrs, nr)
		return true
	})
	if diff := deep.Equal(nrs, []uint64{0, 2}); diff != nil {
		t.Error(diff)
	}
	nrs = nrs[:0]
	s.EachSentRev(func(nr uint64, idx int32) bool {
		nrs = append(nrs, nr)
		return true
	})
	if diff := deep.Equal(nrs, []uint64{2, 0}); diff != nil {
		t.Error(diff)
	}
}

func TestOnRxTracksLargest(t *testing.T) {
	s := pn.New(pn.Data)
	s.OnRx(5)
	s.OnRx(2)
	if s.LgRecv != 5 {
		t.Error("largest received wrong:", s.LgRecv)
	}
	if !s.Recv.Find(5) || !s.Recv.Find(2) || s.Recv.Find(3) {
		t.Error("received set wrong")
	}
}

func TestAckFrameRanges(t *testing.T) {
	s := pn.New(pn.Data)
	for _, nr := range []uint64{0, 1, 2, 5, 6, 9} {
		s.OnRx(nr)
	}
	f, ok := s.AckFrame(3, false)
	if !ok {
		t.Fatal("no ack frame")
	}
	if f.Largest != 9 || f.DelayRaw != 3 {
		t.Error("largest/delay wrong:", f.Largest, f.DelayRaw)
	}
	want := []wire.AckRange{
		{Largest: 9, Smallest: 9},
		{Largest: 6, Smallest: 5},
		{Largest: 2, Smallest: 0},
	}
	if diff := deep.Equal(f.Ranges, want); diff != nil {
		t.Error(diff)
	}
}

func TestAckFrameECN(t *testing.T) {
	s := pn.New(pn.Data)
	s.OnRx(0)
	s.ECT0Cnt = 1
	f, ok := s.AckFrame(0, true)
	if !ok || !f.ECN || f.ECT0 != 1 {
		t.Error("ECN counters not encoded")
	}
	f, ok = s.AckFrame(0, false)
	if !ok || f.ECN {
		t.Error("ECN requested off but encoded")
	}
}

func TestResetPreservesLgSent(t *testing.T) {
	s := pn.New(pn.Init)
	for i := 0; i < 5; i++ {
		s.NextNr()
	}
	s.OnRx(3)
	lg := s.LgSent

	s.Reset(true)
	if s.LgSent != lg {
		t.Error("lg_sent not preserved across reset")
	}
	if !s.Recv.Empty() || s.LgRecv != pn.None {
		t.Error("receive state should clear on reset")
	}

	s.Reset(false)
	if s.LgSent != pn.None {
		t.Error("full reset should clear lg_sent")
	}
}
