package quant

import (
	"net"
	"testing"

	"github.com/keycodinggood/quant/wire"
)

func TestOOO0RTTCache(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		dcid := wire.RandCID(8)
		peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1234}
		pkt := []byte{0x80 | wire.LH0RTT, 1, 2, 3}
		e.cache0RTT(&dcid, pkt, peer)

		c := newTestConn(e, false)
		e.take0RTT(c, &dcid)
		if len(e.pending0RTT) != 1 {
			t.Fatal("cached packet not re-injected")
		}
		xv := e.pending0RTT[0]
		if xv.Len != len(pkt) || xv.Addr.Port != peer.Port {
			t.Error("re-injected packet mangled")
		}
		e.pool.Free(xv)
		e.pending0RTT = nil

		// entries are evicted on first match
		e.take0RTT(c, &dcid)
		if len(e.pending0RTT) != 0 {
			t.Error("cache entry should be gone after first match")
		}
	})
}

func TestRetryTokenMintVerify(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	peer := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 4433}
	other := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 8), Port: 4433}

	tok := e.mintRetryToken(peer, nil)
	if !e.verifyRetryToken(peer, tok) {
		t.Error("freshly minted token should verify")
	}
	if e.verifyRetryToken(other, tok) {
		t.Error("token must be bound to the peer address")
	}
	if e.verifyRetryToken(peer, tok[:4]) {
		t.Error("short token should not verify")
	}

	// a second engine has a different secret
	e2 := Init("")
	defer e2.Cleanup()
	if e2.verifyRetryToken(peer, tok) {
		t.Error("token must be bound to the engine secret")
	}
}

func TestTokenStore(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	peer := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 443}
	if e.lookupToken(peer) != nil {
		t.Error("empty store should miss")
	}
	e.storeToken(peer, []byte("resume-me"))
	if got := e.lookupToken(peer); string(got) != "resume-me" {
		t.Error("stored token not found:", got)
	}
}
