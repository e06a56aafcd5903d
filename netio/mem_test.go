package netio_test

import (
	"testing"
	"time"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/netio"
)

func TestMemPairDelivery(t *testing.T) {
	pool := buffer.NewPool(8)
	a, b := netio.MemPair(pool)
	defer a.Close()
	defer b.Close()

	v := pool.Alloc()
	v.Len = copy(v.B[v.Off:], "ping")
	if err := a.TX(netio.Batch{v}); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-b.RX():
		if len(batch) != 1 {
			t.Fatal("expected one datagram")
		}
		got := batch[0]
		if string(got.Data()) != "ping" {
			t.Error("payload mismatch:", string(got.Data()))
		}
		if got.Addr == nil || got.Addr.Port != a.LocalAddr().Port {
			t.Error("source address not stamped")
		}
		pool.Free(got)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestMemPairDrop(t *testing.T) {
	pool := buffer.NewPool(8)
	a, b := netio.MemPair(pool)
	defer a.Close()
	defer b.Close()

	a.Drop = func(*buffer.Buf) bool { return true }
	v := pool.Alloc()
	v.Len = copy(v.B[v.Off:], "lost")
	if err := a.TX(netio.Batch{v}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-b.RX():
		t.Fatal("dropped datagram was delivered")
	case <-time.After(50 * time.Millisecond):
	}
	if pool.Avail() != 8 {
		t.Error("dropped buffer not freed")
	}
}
