package diet_test

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/keycodinggood/quant/diet"
)

func TestInsertMerges(t *testing.T) {
	var d diet.Diet
	for _, n := range []uint64{5, 3, 4, 10, 11, 1} {
		d.Insert(n)
	}
	want := []diet.Ival{{Lo: 1, Hi: 1}, {Lo: 3, Hi: 5}, {Lo: 10, Hi: 11}}
	if diff := deep.Equal(d.Ivals(), want); diff != nil {
		t.Error(diff)
	}

	// 2 joins the first two intervals
	d.Insert(2)
	want = []diet.Ival{{Lo: 1, Hi: 5}, {Lo: 10, Hi: 11}}
	if diff := deep.Equal(d.Ivals(), want); diff != nil {
		t.Error(diff)
	}
}

func TestInsertIdempotent(t *testing.T) {
	var d diet.Diet
	d.Insert(7)
	d.Insert(7)
	if d.Cnt() != 1 || d.Min() != 7 || d.Max() != 7 {
		t.Error("double insert changed the set")
	}
}

func TestFind(t *testing.T) {
	var d diet.Diet
	for n := uint64(100); n <= 110; n++ {
		d.Insert(n)
	}
	d.Insert(200)
	for n := uint64(100); n <= 110; n++ {
		if !d.Find(n) {
			t.Error("missing", n)
		}
	}
	for _, n := range []uint64{0, 99, 111, 199, 201} {
		if d.Find(n) {
			t.Error("unexpected member", n)
		}
	}
}

func TestMinMaxClear(t *testing.T) {
	var d diet.Diet
	if !d.Empty() {
		t.Fatal("new diet not empty")
	}
	d.Insert(42)
	d.Insert(40)
	if d.Min() != 40 || d.Max() != 42 {
		t.Error("min/max wrong:", d.Min(), d.Max())
	}
	d.Clear()
	if !d.Empty() {
		t.Error("clear did not empty the set")
	}
}

func TestNoOverlapInvariant(t *testing.T) {
	var d diet.Diet
	for _, n := range []uint64{9, 1, 5, 3, 7, 2, 8, 4, 6, 0} {
		d.Insert(n)
	}
	if d.Cnt() != 1 {
		t.Fatal("expected one merged interval, got", d.Cnt())
	}
	iv := d.Ivals()[0]
	if iv.Lo != 0 || iv.Hi != 9 {
		t.Error("merged interval wrong:", iv)
	}
}
