package cids_test

import (
	"testing"

	"github.com/keycodinggood/quant/cids"
	"github.com/keycodinggood/quant/wire"
)

func entry(seq uint64, b ...byte) *cids.Entry {
	return &cids.Entry{CID: wire.CIDFromBytes(b), Seq: seq}
}

func TestAddAndLookup(t *testing.T) {
	s := cids.NewSet()
	e1 := entry(0, 1, 2, 3, 4)
	e2 := entry(2, 5, 6, 7, 8)
	if err := s.Add(e1); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(e2); err != nil {
		t.Fatal(err)
	}
	if s.BySeq(0) != e1 || s.BySeq(2) != e2 {
		t.Error("BySeq lookup failed")
	}
	if s.ByID([]byte{5, 6, 7, 8}) != e2 {
		t.Error("ByID lookup failed")
	}
	if s.Cnt() != 2 {
		t.Error("wrong count", s.Cnt())
	}
}

func TestDupRejected(t *testing.T) {
	s := cids.NewSet()
	if err := s.Add(entry(1, 1, 1, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(entry(1, 2, 2, 2, 2)); err != cids.ErrDupSeq {
		t.Error("dup seq not rejected:", err)
	}
	if err := s.Add(entry(2, 1, 1, 1, 1)); err != cids.ErrDupID {
		t.Error("dup id not rejected:", err)
	}
}

func TestNextMaxOrdering(t *testing.T) {
	s := cids.NewSet()
	for _, seq := range []uint64{4, 0, 2} {
		if err := s.Add(entry(seq, byte(seq), 1, 2, 3)); err != nil {
			t.Fatal(err)
		}
	}
	if s.Min().Seq != 0 || s.Max().Seq != 4 {
		t.Error("min/max wrong")
	}
	if n := s.Next(0); n == nil || n.Seq != 2 {
		t.Error("Next(0) should be seq 2")
	}
	if n := s.Next(2); n == nil || n.Seq != 4 {
		t.Error("Next(2) should be seq 4")
	}
	if s.Next(4) != nil {
		t.Error("Next(max) should be nil")
	}
}

func TestDel(t *testing.T) {
	s := cids.NewSet()
	e := entry(3, 9, 9, 9, 9)
	if err := s.Add(e); err != nil {
		t.Fatal(err)
	}
	s.Del(3)
	if s.BySeq(3) != nil || s.ByID([]byte{9, 9, 9, 9}) != nil || s.Cnt() != 0 {
		t.Error("delete incomplete")
	}
	// re-adding the same id after delete must work
	if err := s.Add(entry(5, 9, 9, 9, 9)); err != nil {
		t.Error("re-add failed:", err)
	}
}

func TestEachAscending(t *testing.T) {
	s := cids.NewSet()
	for _, seq := range []uint64{3, 1, 2} {
		if err := s.Add(entry(seq, byte(seq), 0, 0, 0)); err != nil {
			t.Fatal(err)
		}
	}
	var got []uint64
	s.Each(func(e *cids.Entry) bool {
		got = append(got, e.Seq)
		return true
	})
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Error("Each order wrong:", got)
	}
}
