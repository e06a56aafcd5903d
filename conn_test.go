package quant

import (
	"testing"

	"github.com/keycodinggood/quant/cids"
	"github.com/keycodinggood/quant/pn"
	"github.com/keycodinggood/quant/wire"
)

func TestVersionNegotiationRestart(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, true)
		c.toState(connOpening)
		if err := c.tls.Init(c); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			c.spaces[pn.Init].NextNr()
		}
		c.spaces[pn.Hshk].NextNr()

		c.onVNeg([]uint32{0xcafebabe, wire.Version})

		if c.vers != wire.Version {
			t.Errorf("picked vers 0x%08x", c.vers)
		}
		if c.spaces[pn.Init].LgSent != 4 {
			t.Error("initial lg_sent must survive vneg, got",
				c.spaces[pn.Init].LgSent)
		}
		if c.spaces[pn.Hshk].LgSent != pn.None {
			t.Error("handshake space should fully reset")
		}
		if !c.needsTx {
			t.Error("vneg restart should schedule a new INITIAL")
		}
	})
}

func TestVNegNoCommonVersion(t *testing.T) {
	if v := pickFromServerVers([]uint32{0xcafebabe, 0x0a0a0a0a}); v != 0 {
		t.Error("no common version expected, got", v)
	}
	if v := pickFromServerVers([]uint32{wire.Version}); v != wire.Version {
		t.Error("common version not found")
	}
}

func TestRetryThenSecondRetry(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, true)
		c.toState(connOpening)
		if err := c.tls.Init(c); err != nil {
			t.Fatal(err)
		}
		c.spaces[pn.Init].NextNr()

		hdr := &wire.Header{
			Type:  wire.LHRtry,
			SCID:  wire.RandCID(8),
			ODCID: c.dcid.CID,
			Token: []byte("first-token"),
		}
		c.onRetry(hdr)

		if string(c.tok) != "first-token" {
			t.Error("retry token not stored")
		}
		if c.spaces[pn.Init].LgSent != pn.None {
			t.Error("retry must reset the packet number sequence")
		}
		if c.errCode != 0 {
			t.Fatal("first retry must not close the connection")
		}

		c.onRetry(hdr)
		if c.errCode != wire.ErrCodeProtoViolation {
			t.Errorf("second retry should be a protocol violation, got 0x%x",
				c.errCode)
		}
	})
}

func TestRetryAfterEstablishedIsViolation(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, true) // established
		c.onRetry(&wire.Header{Type: wire.LHRtry, Token: []byte("x")})
		if c.errCode != wire.ErrCodeProtoViolation {
			t.Error("retry after established must be a violation")
		}
	})
}

func TestSwitchSCIDOnlyAdvances(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, false)
		lower := &cids.Entry{CID: wire.RandCID(8), Seq: 0}
		// active already at seq 0 from newTestConn; add seq 1 and 2
		one := &cids.Entry{CID: wire.RandCID(8), Seq: 1}
		two := &cids.Entry{CID: wire.RandCID(8), Seq: 2}
		c.addSCID(one)
		c.addSCID(two)
		c.scid = one

		if c.switchSCID(&lower.CID) {
			t.Error("unknown cid must not switch")
		}
		act := c.scid
		if c.switchSCID(&c.scid.CID) {
			t.Error("same-seq cid must not switch")
		}
		if c.scid != act {
			t.Error("active changed on failed switch")
		}
		if !c.switchSCID(&two.CID) {
			t.Error("higher-seq cid should switch")
		}
		if c.scid != two {
			t.Error("active not advanced")
		}
	})
}

func TestRetireActiveSCIDAdvances(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, false)
		next := &cids.Entry{CID: wire.RandCID(8), Seq: 5}
		c.addSCID(next)

		act := c.scid.Seq
		if !c.onRetireCID(act) {
			t.Fatal("retire of active cid with successor should succeed")
		}
		if c.scid != next {
			t.Error("active should advance to the next sequence")
		}
		if c.scids.BySeq(act) != nil {
			t.Error("retired cid still in set")
		}
		if !c.txNCID {
			t.Error("retire should schedule a NEW_CONNECTION_ID")
		}

		// retiring the last remaining cid has no successor
		if c.onRetireCID(next.Seq) {
			t.Error("retire without successor must fail")
		}
		if c.errCode != wire.ErrCodeFrameEnc {
			t.Error("expected frame encoding error close")
		}
	})
}

func TestErrCloseFirstWins(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, false)
		c.errClose(wire.ErrCodeFlowControl, 0, "first")
		c.errClose(wire.ErrCodeProtoViolation, 0, "second")
		if c.errCode != wire.ErrCodeFlowControl || c.errReason != "first" {
			t.Error("first error must win:", c.errCode, c.errReason)
		}
	})
}

func TestIdleTimeoutDrains(t *testing.T) {
	e := Init("")
	defer e.Cleanup()

	e.do(func() {
		c := newTestConn(e, false)
		c.onIdleTimeout()
		if c.state != connClosed && c.state != connDraining {
			t.Error("idle timeout should drain, state:", c.state)
		}
	})
}
