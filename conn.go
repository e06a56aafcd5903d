package quant

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/keycodinggood/quant/cids"
	"github.com/keycodinggood/quant/diet"
	"github.com/keycodinggood/quant/metrics"
	"github.com/keycodinggood/quant/netio"
	"github.com/keycodinggood/quant/pn"
	"github.com/keycodinggood/quant/recovery"
	"github.com/keycodinggood/quant/wire"
)

// Package error values surfaced through the API.
var (
	ErrNotConnected = errors.New("connection did not reach established")
	ErrClosed       = errors.New("connection is closed")
	ErrCancelled    = errors.New("operation cancelled")

	errDupTP    = errors.New("malformed or duplicate transport parameter")
	errTLSAlert = errors.New("handshake alert")
)

// Connection states.
type connState int

const (
	connIdle connState = iota
	connOpening
	connEstablished
	connClosingQueued
	connClosing
	connDraining
	connClosed
)

func (s connState) String() string {
	switch s {
	case connIdle:
		return "idle"
	case connOpening:
		return "opening"
	case connEstablished:
		return "established"
	case connClosingQueued:
		return "closing-queued"
	case connClosing:
		return "closing"
	case connDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Local cid lengths handed out by each role.
const (
	clntSCIDLen = 8
	servSCIDLen = 8
)

// migrationLockout is how long after a migration before the next one.
const migrationLockout = 3 * time.Second

// Conn is one QUIC connection. All fields are owned by the engine loop;
// the public API methods post work to the loop and block on replies.
type Conn struct {
	engine *Engine
	isClnt bool

	sock      netio.Socket
	holdsSock bool
	peer      *net.UDPAddr
	sport     int

	vers        uint32
	versInitial uint32

	scids *cids.Set // our ids, peer addresses us with these
	dcids *cids.Set // peer's ids, we address the peer with these
	scid  *cids.Entry
	dcid  *cids.Entry
	odcid wire.CID // client's original dcid, for retry validation

	scidSeq     uint64 // next source cid sequence number
	maxCIDSeqIn uint64 // highest NEW_CONNECTION_ID seq seen, pn.None initially

	cstreams   [NumEpochs]*Stream
	streams    map[int64]*Stream
	closedStreams diet.Diet

	nextSIDBidi int64
	nextSIDUni  int64
	lgSIDBidi   int64
	lgSIDUni    int64

	spaces [pn.NumSpaces]*pn.Space
	rec    *recovery.Recovery
	tls    Handshaker

	state connState

	tpIn  TransportParams // what we advertise
	tpOut TransportParams // what the peer advertised

	inData  uint64
	outData uint64

	errCode   uint16
	errFrm    uint8
	errReason string

	// flags
	needsTx     bool
	hadRx       bool
	txNCID      bool
	txRetireCID bool
	txMaxData   bool
	txPathChlg  bool
	txPathResp  bool
	doMigration bool
	doKeyFlip   bool
	blocked     bool
	try0RTT     bool
	did0RTT     bool
	inCReady    bool
	txRtry      bool
	haveNewData bool

	sidBlockedBidi bool
	sidBlockedUni  bool
	txMaxSIDBidi   bool
	txMaxSIDUni    bool

	txBlocked   bool
	txPing      bool
	txNewToken  []byte

	tok []byte // retry token to echo in the next INITIAL

	pathChlgOut uint64
	pathRespOut uint64

	txq netio.Batch

	listener bool

	// API waiters, signaled by the loop
	connectDone chan error
	closeDone   chan struct{}
	readSignal  chan struct{}

	deadlines map[timerKey]time.Time
}

// newConn builds a connection in the idle state. For servers, dcid is
// the client's scid (our destination) and scid the cid the client
// addressed us with.
func (e *Engine) newConn(isClnt bool, vers uint32, dcid, scid *wire.CID,
	peer *net.UDPAddr, sock netio.Socket, holdsSock bool) *Conn {
	c := &Conn{
		engine:      e,
		isClnt:      isClnt,
		sock:        sock,
		holdsSock:   holdsSock,
		peer:        peer,
		vers:        vers,
		versInitial: vers,
		scids:       cids.NewSet(),
		dcids:       cids.NewSet(),
		streams:     make(map[int64]*Stream),
		maxCIDSeqIn: pn.None,
		doMigration: true,
		doKeyFlip:   true,
		rec:         recovery.New(e.clk),
		readSignal:  make(chan struct{}),
		deadlines:   make(map[timerKey]time.Time),
	}
	if sock != nil {
		c.sport = sock.LocalAddr().Port
	}

	// init next stream ids
	if c.isClnt {
		c.nextSIDBidi = 0
		c.nextSIDUni = strmFlagUni
	} else {
		c.nextSIDBidi = strmFlagSrv
		c.nextSIDUni = strmFlagUni | strmFlagSrv
	}
	c.lgSIDBidi, c.lgSIDUni = -4, -4

	for k := pn.Init; k < pn.NumSpaces; k++ {
		c.spaces[k] = pn.New(k)
	}

	c.tpIn = defaultTP()

	// init dcid
	if c.isClnt {
		ndcid := wire.RandCID(servSCIDLen)
		c.odcid = ndcid
		c.addDCID(&cids.Entry{CID: ndcid})
	} else if dcid != nil {
		c.addDCID(&cids.Entry{CID: *dcid})
	}

	// init scid and register with the engine
	var nscid wire.CID
	if c.isClnt {
		nscid = wire.RandCID(clntSCIDLen)
	} else if scid != nil {
		nscid = *scid
	}
	if !nscid.Zero() {
		ent := &cids.Entry{CID: nscid, Seq: c.scidSeq}
		c.scidSeq++
		randSRT(&ent.SRT)
		c.addSCID(ent)
	}

	if peer != nil {
		e.connsByIPNPIns(c)
	}

	// create the crypto streams
	for ep := EpochInit; ep < NumEpochs; ep++ {
		c.newStream(crptStrmID(ep))
	}

	c.tls = e.newHandshaker(isClnt)

	if sock != nil && peer != nil {
		e.setTimer(c, tIdle, 0, e.clk.Now().Add(c.tpIn.IdleTimeout))
	}

	metrics.Connections.Inc()
	return c
}

func randUint64() uint64 {
	cid := wire.RandCID(8)
	var v uint64
	for _, b := range cid.ID[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

func randSRT(srt *[wire.SRTLen]byte) {
	cid := wire.RandCID(wire.SRTLen)
	copy(srt[:], cid.ID[:wire.SRTLen])
}

func (c *Conn) toState(s connState) {
	c.state = s
}

func (c *Conn) typ() string {
	if c.isClnt {
		return "clnt"
	}
	return "serv"
}

// spaceForEpoch maps an epoch to its packet-number space; 0-RTT shares
// the application space.
func (c *Conn) spaceForEpoch(e Epoch) *pn.Space {
	switch e {
	case EpochInit:
		return c.spaces[pn.Init]
	case EpochHshk:
		return c.spaces[pn.Hshk]
	default:
		return c.spaces[pn.Data]
	}
}

// epochForPktType maps a packet type to the epoch whose keys protect it.
func epochForPktType(t uint8) Epoch {
	switch t {
	case wire.LHInit, wire.LHRtry:
		return EpochInit
	case wire.LH0RTT:
		return Epoch0RTT
	case wire.LHHshk:
		return EpochHshk
	default:
		return EpochData
	}
}

// spaceForPktType maps a packet type to its packet-number space.
func (c *Conn) spaceForPktType(t uint8) *pn.Space {
	return c.spaceForEpoch(epochForPktType(t))
}

func pktTypeForEpoch(e Epoch) uint8 {
	switch e {
	case EpochInit:
		return wire.LHInit
	case Epoch0RTT:
		return wire.LH0RTT
	case EpochHshk:
		return wire.LHHshk
	default:
		return wire.SH
	}
}

// pktOKForEpoch reports whether a packet of the flagged type could
// legitimately appear while we receive in the given epoch.
func pktOKForEpoch(flags uint8, e Epoch) bool {
	switch e {
	case EpochInit:
		t := wire.PktType(flags)
		return t == wire.LHInit || t == wire.LHRtry
	case Epoch0RTT, EpochHshk:
		return flags&wire.FLongHdr != 0
	default:
		return true
	}
}

// cid management

func (c *Conn) addSCID(e *cids.Entry) {
	if err := c.scids.Add(e); err != nil {
		log.Println("addSCID:", err)
		return
	}
	if c.scid == nil {
		c.scid = e
	}
	c.engine.connsByIDIns(c, &e.CID)
}

func (c *Conn) addDCID(e *cids.Entry) {
	if have := c.dcids.BySeq(e.Seq); have != nil {
		// handshake switch to the peer's chosen cid
		log.Printf("hshk switch to dcid %s for %s conn (was %s)",
			e.CID, c.typ(), have.CID)
		wasActive := c.dcid == have
		c.dcids.Del(have.Seq)
		if err := c.dcids.Add(e); err != nil {
			log.Println("addDCID:", err)
			return
		}
		if wasActive {
			c.dcid = e
		}
		return
	}
	if err := c.dcids.Add(e); err != nil {
		log.Println("addDCID:", err)
		return
	}
	if c.dcid == nil {
		c.dcid = e
	}
}

func (c *Conn) freeSCID(e *cids.Entry) {
	c.scids.Del(e.Seq)
	c.engine.connsByIDDel(&e.CID)
}

func (c *Conn) freeDCID(e *cids.Entry) {
	c.dcids.Del(e.Seq)
}

// switchSCID moves the active source cid on a peer-initiated cid
// migration. It fails for unknown ids and for sequence numbers that do
// not advance.
func (c *Conn) switchSCID(id *wire.CID) bool {
	scid := c.scids.ByID(id.Bytes())
	if scid == nil || scid.Seq <= c.scid.Seq {
		return false
	}
	log.Printf("migration to scid %s for %s conn (was %s)",
		scid.CID, c.typ(), c.scid.CID)
	c.scid = scid
	return true
}

// useNextDCID advances the active destination cid to the next sequence
// number and schedules retiring the previous one.
func (c *Conn) useNextDCID() {
	next := c.dcids.Next(c.dcid.Seq)
	if next == nil {
		return
	}
	log.Printf("migration to dcid %s for %s conn (was %s)",
		next.CID, c.typ(), c.dcid.CID)
	c.dcid.Retired = true
	c.txRetireCID = true
	c.dcid = next
}

// updateActSCID replaces the active source cid during the handshake,
// when the server picks its own cid for a new connection.
func (c *Conn) updateActSCID(id wire.CID) {
	old := c.scid
	log.Printf("hshk switch to scid %s for %s conn (was %s)",
		id, c.typ(), old.CID)
	c.engine.connsByIDDel(&old.CID)
	c.scids.Del(old.Seq)
	ent := &cids.Entry{CID: id, Seq: old.Seq}
	randSRT(&ent.SRT)
	if err := c.scids.Add(ent); err != nil {
		log.Println("updateActSCID:", err)
		return
	}
	c.scid = ent
	c.engine.connsByIDIns(c, &ent.CID)
}

// mintSCID creates and registers a fresh source cid for the peer to
// migrate to.
func (c *Conn) mintSCID() *cids.Entry {
	l := clntSCIDLen
	if !c.isClnt {
		l = servSCIDLen
	}
	ent := &cids.Entry{CID: wire.RandCID(l), Seq: c.scidSeq}
	c.scidSeq++
	randSRT(&ent.SRT)
	c.addSCID(ent)
	return ent
}

// enqueueCrypto appends handshake bytes to an epoch's CRYPTO stream
// send queue.
func (c *Conn) enqueueCrypto(e Epoch, data []byte) {
	s := c.cstreams[e]
	for len(data) > 0 {
		v := c.engine.pool.Alloc()
		if v == nil {
			log.Println("pool exhausted while queueing crypto")
			return
		}
		n := copy(v.B[v.Off:v.Off+maxStreamData], data)
		v.Len = n
		data = data[n:]
		s.out = append(s.out, v)
	}
	c.needsTx = true
}

// rxCrypto drains the inbound crypto stream into the TLS collaborator
// and advances the connection on handshake completion.
func (c *Conn) rxCrypto() {
	for {
		// the epoch may advance mid-drain; follow it
		s := c.cstreams[c.tls.InEpoch()]
		if s == nil || len(s.in) == 0 {
			return
		}
		iv := s.in[0]
		s.in = s.in[1:]
		im := c.engine.pool.MetaOf(iv)
		data := iv.B[im.StreamDataStart : im.StreamDataStart+im.StreamDataLen]
		done, err := c.tls.IO(c, c.tls.InEpoch(), data)
		c.engine.pool.Free(iv)
		if err != nil {
			c.errClose(wire.ErrCodeTLS(0), 0, "tls: %v", err)
			return
		}
		if !done {
			continue
		}

		if c.state == connIdle || c.state == connOpening {
			if tpb := c.tls.PeerTP(); tpb != nil {
				tp, err := decTP(tpb)
				if err != nil {
					c.errClose(wire.ErrCodeTransportParam, 0,
						"transport params: %v", err)
					return
				}
				c.tpOut = tp
				c.reapplyStreamLimits()
			}
			c.toState(connEstablished)
			metrics.Handshakes.WithLabelValues(c.typ()).Inc()
			if c.isClnt {
				if c.connectDone != nil {
					c.connectDone <- nil
					c.connectDone = nil
				}
			} else {
				c.mintNewToken()
				c.engine.acceptReady(c)
			}
		}
	}
}

// reapplyStreamLimits refreshes per-stream windows once the peer's
// transport parameters are known.
func (c *Conn) reapplyStreamLimits() {
	for _, s := range c.streams {
		s.applyStreamLimits()
	}
}

// vnegOrRtryResp resets connection state for a handshake restart after
// version negotiation or retry. Version negotiation preserves the
// initial space's outbound packet number sequence.
func (c *Conn) vnegOrRtryResp(isVNeg bool) {
	c.rec.Reset()
	c.inData, c.outData = 0, 0

	for e := EpochInit; e < NumEpochs; e++ {
		forget := !c.try0RTT || (e != Epoch0RTT && e != EpochData)
		c.cstreams[e].reset(forget)
	}
	for _, s := range c.streams {
		s.reset(false)
	}

	lgSentIni := c.spaces[pn.Init].LgSent
	for k := pn.Init; k < pn.NumSpaces; k++ {
		c.spaces[k].Reset(false)
	}
	if isVNeg {
		// we need to continue in the pkt nr sequence
		c.spaces[pn.Init].LgSent = lgSentIni
	}

	if err := c.tls.Init(c); err != nil {
		c.errClose(wire.ErrCodeTLS(0), 0, "tls re-init: %v", err)
	}
}

// doConnFC checks whether connection-level flow control needs a raise.
func (c *Conn) doConnFC() {
	if c.state == connClosing || c.state == connDraining {
		return
	}
	const inc = initMaxData
	if c.inData+2*uint64(netio.MTU())+inc > c.tpIn.MaxData {
		c.txMaxData = true
		c.needsTx = true
		c.tpIn.NewMaxData = c.tpIn.MaxData + 2*inc
	}
}

// doConnMgmt runs per-TX connection management: stream-id window
// refills, migration, and source cid replenishment.
func (c *Conn) doConnMgmt() {
	if c.state == connClosing || c.state == connDraining {
		return
	}

	if c.state != connEstablished {
		c.doStreamIDFC(c.lgSIDUni)
		c.doStreamIDFC(c.lgSIDBidi)
	}

	if !c.tpOut.DisableMigration && c.doMigration && c.state == connEstablished {
		if c.isClnt {
			max := c.dcids.Max()
			if max != nil && max.Seq > c.dcid.Seq {
				c.useNextDCID()
				// don't migrate again for a while
				c.doMigration = false
				c.engine.setTimer(c, tMigration, 0,
					c.engine.clk.Now().Add(migrationLockout))
			}
		} else {
			// hand the client a spare cid if it is running low
			c.txNCID = c.scids.Cnt() < 2
		}
	}
}

// connNeedsCtrl reports whether a connection-level control frame is
// pending.
func (c *Conn) connNeedsCtrl() bool {
	return c.txMaxData || c.txNCID || c.txRetireCID || c.txPathChlg ||
		c.txPathResp || c.txMaxSIDBidi || c.txMaxSIDUni ||
		c.sidBlockedBidi || c.sidBlockedUni || c.blocked ||
		c.txPing || c.txNewToken != nil
}

// errClose closes the connection with a transport error. The first
// error wins; later calls are swallowed.
func (c *Conn) errClose(code uint16, frm uint8, format string, args ...interface{}) {
	if c.errCode != 0 {
		log.Printf("ignoring new err 0x%04x; existing err is 0x%04x (%s)",
			code, c.errCode, c.errReason)
		return
	}
	c.errReason = fmt.Sprintf(format, args...)
	log.Printf("%s conn %s err 0x%04x: %s", c.typ(), c.scidStr(), code, c.errReason)
	c.errCode = code
	c.errFrm = frm
	metrics.ErrorCount.WithLabelValues(fmt.Sprintf("0x%x", code)).Inc()
	c.enterClosing()
}

func (c *Conn) scidStr() string {
	if c.scid == nil {
		return "?"
	}
	return c.scid.CID.String()
}

// enterClosing implements the closing-queued -> closing transition:
// stop loss-detection and idle timers, flush outstanding ACKs, start
// the draining timer, and queue the CLOSE frame.
func (c *Conn) enterClosing() {
	if c.state == connClosing {
		return
	}

	e := c.engine
	e.stopTimer(c, tLossDet, 0)
	e.stopTimer(c, tIdle, 0)

	for ep := EpochInit; ep < NumEpochs; ep++ {
		sp := c.spaceForEpoch(ep)
		if c.state != connDraining && ep != Epoch0RTT &&
			ep != c.tls.OutEpoch() && sp.NeedsAck() {
			c.txAck(ep)
		}
		e.stopTimer(c, tAck, sp.Kind)
	}

	if (c.state == connIdle || c.state == connOpening) && c.errCode == 0 {
		// no need to go closing->draining in these cases
		c.enterClosed()
		return
	}

	if !e.timerActive(c, tClosing, 0) {
		dur := c.rec.DrainingTimeout()
		e.setTimer(c, tClosing, 0, e.clk.Now().Add(dur))
	}

	if c.state != connDraining {
		c.needsTx = true
		c.toState(connClosing)
	}
}

// enterClosed finishes the lifecycle when the draining timer fires: any
// blocked API calls wake with the stored error.
func (c *Conn) enterClosed() {
	c.toState(connClosed)

	err := ErrClosed
	if c.errCode != 0 {
		err = fmt.Errorf("transport error 0x%04x: %s", c.errCode, c.errReason)
	}
	if c.connectDone != nil {
		c.connectDone <- err
		c.connectDone = nil
	}
	for _, s := range c.streams {
		if s.writeDone != nil {
			s.writeDone <- err
			s.writeDone = nil
		}
	}
	if c.closeDone != nil {
		close(c.closeDone)
		c.closeDone = nil
	}
	c.signalRead()

	// stay reachable for one sweep tick so late datagrams drop quietly
	c.engine.scheduleSweep(c)
}

// onIdleTimeout drains the connection when nothing happened for the
// negotiated idle period.
func (c *Conn) onIdleTimeout() {
	log.Printf("idle timeout on %s conn %s", c.typ(), c.scidStr())
	c.toState(connDraining)
	c.enterClosing()
}

// signalRead wakes a blocked Read.
func (c *Conn) signalRead() {
	close(c.readSignal)
	c.readSignal = make(chan struct{})
}

// free releases the connection and its registrations.
func (c *Conn) free() {
	e := c.engine
	e.stopTimer(c, tIdle, 0)
	e.stopTimer(c, tClosing, 0)
	e.stopTimer(c, tMigration, 0)
	e.stopTimer(c, tLossDet, 0)
	for k := pn.Init; k < pn.NumSpaces; k++ {
		e.stopTimer(c, tAck, k)
	}

	for _, s := range c.streams {
		s.free()
	}
	for ep := EpochInit; ep < NumEpochs; ep++ {
		if c.cstreams[ep] != nil {
			c.cstreams[ep].free()
		}
	}
	for k := pn.Init; k < pn.NumSpaces; k++ {
		c.spaces[k].EachSent(func(nr uint64, idx int32) bool {
			if e.pool.Meta(idx).Standalone {
				e.pool.Free(e.pool.Buf(idx))
			}
			return true
		})
	}
	c.tls.Free(c)

	c.scids.Each(func(ent *cids.Entry) bool {
		e.connsByIDDel(&ent.CID)
		return true
	})
	if c.peer != nil {
		e.connsByIPNPDel(c)
	}
	for _, v := range c.txq {
		e.pool.Free(v)
	}
	c.txq = nil

	if c.holdsSock && c.sock != nil {
		c.sock.Close()
	}
	metrics.Connections.Dec()
}
