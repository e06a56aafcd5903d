package quant

import (
	"log"
	"net"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/cids"
	"github.com/keycodinggood/quant/metrics"
	"github.com/keycodinggood/quant/netio"
	"github.com/keycodinggood/quant/wire"
)

// maxStreamData is the most stream payload one packet carries, leaving
// room for headers and the packet hash.
const maxStreamData = wire.MaxPktLen - 96

// maxAckRanges caps how many received ranges one ACK frame encodes.
const maxAckRanges = 16

// epochForStream picks the epoch a stream's data goes out in.
func (c *Conn) epochForStream(s *Stream) Epoch {
	if s.id < 0 {
		return strmEpoch(s.id)
	}
	if c.state != connEstablished && c.try0RTT {
		return Epoch0RTT
	}
	return EpochData
}

// buildAck constructs this space's ACK frame, capped to maxAckRanges.
func (c *Conn) buildAck(e Epoch) (wire.AckFrame, bool) {
	sp := c.spaceForEpoch(e)
	f, ok := sp.AckFrame(0, true)
	if !ok {
		return f, false
	}
	if len(f.Ranges) > maxAckRanges {
		f.Ranges = f.Ranges[:maxAckRanges]
	}
	return f, true
}

// collectCtrlFrames encodes pending connection- and stream-level
// control frames into scratch at position i, consuming at most budget
// bytes total. Flags are cleared only for frames that fit; the rest go
// out later.
func (c *Conn) collectCtrlFrames(s *Stream, scratch []byte, i, budget int) int {
	fits := func(need int) bool { return i+need <= budget }

	if c.state == connClosing {
		// a closing connection sends only CLOSE (and ACKs)
		f := wire.CloseFrame{
			Err:    c.errCode,
			Frm:    uint64(c.errFrm),
			Reason: c.errReason,
		}
		if need := 1 + 2 + 8 + 8 + len(f.Reason); fits(need) {
			i = f.Encode(scratch, i)
		}
		return i
	}

	if c.txPing && fits(1) {
		i = wire.EncPing(scratch, i)
		c.txPing = false
	}

	if c.txMaxData && fits(wire.MaxFrameLen(wire.FTMaxData)) {
		c.tpIn.MaxData = c.tpIn.NewMaxData
		i = wire.MaxDataFrame{Max: c.tpIn.MaxData}.Encode(scratch, i)
		c.txMaxData = false
	}

	peerFlag := int64(0)
	if c.isClnt {
		peerFlag = strmFlagSrv
	}
	if c.txMaxSIDBidi && fits(wire.MaxFrameLen(wire.FTMaxStreamID)) {
		c.tpIn.MaxBidiStreams = c.tpIn.NewMaxBidiStreams
		sid := ((c.tpIn.MaxBidiStreams - 1) << 2) | peerFlag
		i = wire.MaxStreamIDFrame{SID: sid}.Encode(scratch, i)
		c.txMaxSIDBidi = false
	}
	if c.txMaxSIDUni && fits(wire.MaxFrameLen(wire.FTMaxStreamID)) {
		c.tpIn.MaxUniStreams = c.tpIn.NewMaxUniStreams
		sid := ((c.tpIn.MaxUniStreams - 1) << 2) | peerFlag | strmFlagUni
		i = wire.MaxStreamIDFrame{SID: sid}.Encode(scratch, i)
		c.txMaxSIDUni = false
	}

	if c.txNCID && fits(wire.MaxFrameLen(wire.FTNewCID)) {
		ent := c.mintSCID()
		f := wire.NewCIDFrame{Seq: ent.Seq, CID: ent.CID, SRT: ent.SRT}
		i = f.Encode(scratch, i)
		c.txNCID = false
	}

	if c.txRetireCID {
		done := true
		var retired []uint64
		c.dcids.Each(func(ent *cids.Entry) bool {
			if ent.Retired {
				if !fits(wire.MaxFrameLen(wire.FTRetireCID)) {
					done = false
					return false
				}
				i = wire.RetireCIDFrame{Seq: ent.Seq}.Encode(scratch, i)
				retired = append(retired, ent.Seq)
			}
			return true
		})
		for _, seq := range retired {
			c.dcids.Del(seq)
		}
		if done {
			c.txRetireCID = false
		}
	}

	if c.txPathResp && fits(wire.MaxFrameLen(wire.FTPathResponse)) {
		i = wire.PathResponseFrame{Data: c.pathRespOut}.Encode(scratch, i)
		c.txPathResp = false
	}
	if c.txPathChlg && fits(wire.MaxFrameLen(wire.FTPathChallenge)) {
		// the flag stays set until the matching PATH_RESPONSE arrives
		i = wire.PathChallengeFrame{Data: c.pathChlgOut}.Encode(scratch, i)
	}

	if c.sidBlockedBidi && fits(wire.MaxFrameLen(wire.FTStreamIDBlocked)) {
		i = wire.StreamIDBlockedFrame{SID: c.nextSIDBidi}.Encode(scratch, i)
		c.sidBlockedBidi = false
	}
	if c.sidBlockedUni && fits(wire.MaxFrameLen(wire.FTStreamIDBlocked)) {
		i = wire.StreamIDBlockedFrame{SID: c.nextSIDUni}.Encode(scratch, i)
		c.sidBlockedUni = false
	}

	if c.txNewToken != nil && fits(1+8+len(c.txNewToken)) {
		i = wire.NewTokenFrame{Token: c.txNewToken}.Encode(scratch, i)
		c.txNewToken = nil
	}

	if s != nil && s.id >= 0 {
		if s.txMaxStrmData && fits(wire.MaxFrameLen(wire.FTMaxStreamData)) {
			s.inDataMax = s.newInDataMax
			i = wire.MaxStreamDataFrame{SID: s.id, Max: s.inDataMax}.Encode(scratch, i)
			s.txMaxStrmData = false
		}
		if s.txBlocked && fits(wire.MaxFrameLen(wire.FTStreamBlocked)) {
			i = wire.StreamBlockedFrame{SID: s.id, Off: s.outDataMax}.Encode(scratch, i)
			s.txBlocked = false
		}
	}
	if c.txBlocked && fits(wire.MaxFrameLen(wire.FTBlocked)) {
		i = wire.BlockedFrame{Off: c.tpOut.MaxData}.Encode(scratch, i)
		c.txBlocked = false
	}

	return i
}

// encPkt encodes one packet into v in place. For data packets the
// stream bytes already sit in the buffer and headers are written in
// front of them; control frames that do not fit into the prefix are
// deferred to the next ACK-only packet. Returns false when the packet
// would carry nothing.
func (c *Conn) encPkt(s *Stream, rtx, encData bool, v *buffer.Buf) bool {
	pool := c.engine.pool
	m := pool.MetaOf(v)

	e := c.epochForStream(s)
	sp := c.spaceForEpoch(e)
	prot := c.tls.Protector(e)
	typ := pktTypeForEpoch(e)

	dataStart := v.Off
	dataLen := 0
	fin := false
	if encData {
		if rtx {
			dataStart = m.StreamDataStart
			dataLen = m.StreamDataLen
		} else {
			dataLen = v.Len
			m.StreamOff = s.outData
		}
		fin = s.txFin && s.lastQueued(v)
	}

	nr := sp.NextNr()
	nrLen := wire.NrLenFor(nr, sp.LgAcked)

	// frame header for the data, when present
	var strmHdr [24]byte
	strmHdrLen := 0
	if encData && (dataLen > 0 || fin) {
		if s.id < 0 {
			strmHdrLen = wire.EncCryptoHdr(strmHdr[:], 0, m.StreamOff, dataLen)
		} else {
			strmHdrLen = wire.EncStreamHdr(strmHdr[:], 0, s.id, m.StreamOff, dataLen, fin)
		}
	}

	// encode the packet header into scratch first
	var hdrBuf [buffer.Overhead]byte
	hi := 0
	lenPos := -1
	if typ == wire.SH {
		hi = wire.EncShortHdr(hdrBuf[:], 0, c.dcid.CID, false)
	} else {
		tok := []byte(nil)
		if typ == wire.LHInit && c.isClnt {
			tok = c.tok
		}
		hi, lenPos = wire.EncLongHdr(hdrBuf[:], 0, typ, c.vers, c.dcid.CID, c.scid.CID, tok)
	}
	nrPos := hi
	hi = wire.EncPktNr(hdrBuf[:], hi, nr, nrLen)

	// pending ACK and control frames, bounded by the prefix room
	budget := dataStart - strmHdrLen - hi
	if budget < 0 {
		log.Printf("no prefix room for pkt on strm %d", s.id)
		sp.LgSent--
		return false
	}
	if budget > buffer.Overhead {
		budget = buffer.Overhead
	}
	var scratch [buffer.Overhead]byte
	fi := 0
	ackedHere := false
	if ack, ok := c.buildAck(e); ok &&
		(sp.NeedsAck() || c.state == connClosing) && ack.Len() <= budget {
		fi = ack.Encode(scratch[:], fi)
		ackedHere = true
	}
	fi = c.collectCtrlFrames(s, scratch[:], fi, budget)

	if !encData && fi == 0 {
		// nothing to say
		sp.LgSent--
		return false
	}

	// assemble: header | frames | stream hdr | data
	prefix := hi + fi + strmHdrLen
	p0 := dataStart - prefix
	if p0 < 0 {
		log.Printf("pkt prefix %d does not fit before data at %d", prefix, dataStart)
		sp.LgSent--
		return false
	}
	copy(v.B[p0:], hdrBuf[:hi])
	copy(v.B[p0+hi:], scratch[:fi])
	copy(v.B[p0+hi+fi:], strmHdr[:strmHdrLen])

	v.Off = p0
	v.Len = prefix + dataLen

	// pad the client's INITIAL flight to the minimum datagram size
	if typ == wire.LHInit && c.isClnt {
		want := wire.MinIniLen - prot.Overhead()
		for v.Len < want {
			v.B[v.Off+v.Len] = 0
			v.Len++
		}
	}

	if lenPos >= 0 {
		// length covers the packet number, payload and hash
		wire.BackfillLen(v.B[p0:], lenPos,
			uint64(v.Len-hi+nrLen+prot.Overhead()))
	}

	sealed := prot.Seal(v.B[v.Off:v.Off+v.Len], hi)
	v.Len = len(sealed)

	if ackedHere {
		sp.PktsRxedSinceACK = 0
		c.engine.stopTimer(c, tAck, sp.Kind)
		m.TrackFrame(wire.FTAck)
	}

	// record metadata and hand the packet to recovery
	m.Hdr = wire.Header{
		Flags: v.B[v.Off], Type: typ, Vers: c.vers,
		DCID: c.dcid.CID, SCID: c.scid.CID,
		Nr: nr, NrLen: nrLen, NrPos: nrPos, HdrLen: prefix,
	}
	if encData {
		m.HasStream = true
		m.StreamID = s.id
		m.StreamDataStart = dataStart
		m.StreamDataLen = dataLen
		m.StreamFin = fin
		if s.id < 0 {
			m.TrackFrame(wire.FTCrypto)
		} else {
			m.TrackFrame(wire.FTStream)
		}
		if fin {
			s.finSent = true
		}
		if !rtx {
			s.trackBytesOut(uint64(dataLen))
		}
	}
	m.TxLen = v.Len
	m.IsLost = false
	if rtx {
		m.IsRTX = true
		metrics.Retransmits.Inc()
	}

	sp.OnSent(nr, v.Idx)
	c.rec.OnPktSent(m)
	c.armLossDetection()
	metrics.PacketsSent.WithLabelValues(sp.Kind.String()).Inc()
	return true
}

// queueTxCopy appends a wire copy of an encoded packet to the
// connection TX queue; the meta-carrying original stays behind for ACK
// and retransmit bookkeeping.
func (c *Conn) queueTxCopy(v *buffer.Buf) {
	w := c.engine.pool.Alloc()
	if w == nil {
		log.Println("pool exhausted on TX")
		return
	}
	w.Off = 0
	w.Len = v.Len
	copy(w.B[:v.Len], v.B[v.Off:v.Off+v.Len])
	w.Addr = c.peer
	c.txq = append(c.txq, w)
}

// coalesce concatenates consecutive queued packets into one UDP
// payload, up to the MTU. Only done when the first packet has a long
// header.
func (c *Conn) coalesce() {
	if len(c.txq) < 2 || c.txq[0].B[c.txq[0].Off]&wire.FLongHdr == 0 {
		return
	}
	out := c.txq[:0]
	cur := c.txq[0]
	for _, nxt := range c.txq[1:] {
		if cur.Len+nxt.Len <= c.sock.MTU() {
			copy(cur.B[cur.Off+cur.Len:], nxt.B[nxt.Off:nxt.Off+nxt.Len])
			cur.Len += nxt.Len
			c.engine.pool.Free(nxt)
		} else {
			out = append(out, cur)
			cur = nxt
		}
	}
	out = append(out, cur)
	c.txq = out
}

// txVNegResp emits a version-negotiation packet in response to an
// unreadable or unsupported client packet, echoing its cids swapped.
func (e *Engine) txVNegResp(sock netio.Socket, hdr *wire.Header, peer *net.UDPAddr) {
	v := e.pool.Alloc()
	if v == nil {
		return
	}
	v.Off = 0
	v.Len = wire.EncVNeg(v.B, hdr.SCID, hdr.DCID, wire.OkVers)
	v.Addr = peer
	if err := sock.TX(netio.Batch{v}); err != nil {
		log.Println("vneg tx:", err)
	}
}

// txRetry emits a stateless RETRY carrying a fresh token; the embryonic
// connection is forgotten right afterwards by the RX loop.
func (c *Conn) txRetry(hdr *wire.Header) {
	v := c.engine.pool.Alloc()
	if v == nil {
		return
	}
	tok := c.engine.mintRetryToken(c.peer, &hdr.DCID)
	nscid := wire.RandCID(servSCIDLen)
	v.Off = 0
	v.Len = wire.EncRetry(v.B, hdr.SCID, nscid, hdr.DCID, tok)
	v.Addr = c.peer
	if err := c.sock.TX(netio.Batch{v}); err != nil {
		log.Println("retry tx:", err)
	}
}
