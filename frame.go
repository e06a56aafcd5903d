package quant

import (
	"log"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/cids"
	"github.com/keycodinggood/quant/metrics"
	"github.com/keycodinggood/quant/pn"
	"github.com/keycodinggood/quant/wire"
)

var frameDebug = logx.NewLogEvery(nil, time.Second)

// decFrames iterates the frames of a decrypted packet, dispatching by
// type and mutating per-space, per-stream and per-connection state. It
// returns the buffer that ends up carrying the packet's metadata (a
// deep copy is made when one packet carries several data frames) and
// whether parsing succeeded. On failure the connection is already
// error-closed.
func (c *Conn) decFrames(v *buffer.Buf) (*buffer.Buf, bool) {
	pool := c.engine.pool
	m := pool.MetaOf(v)
	base := v.Off
	pl := v.B[base : base+v.Len]
	i := m.Hdr.HdrLen

	for i < len(pl) {
		f, ni, err := wire.DecFrame(pl, i)
		if err != nil {
			c.errClose(wire.ErrCodeFrameEnc, pl[i], "frame at pos %d: %v", i, err)
			return v, false
		}

		switch fr := f.(type) {
		case wire.PaddingFrame:
			frameDebug.Printf("in PADDING len=%d", fr.Len)

		case wire.PingFrame:
			log.Println("in PING")
			// PING frames need to be ACK'ed
			c.needsTx = true

		case wire.AckFrame:
			if !c.decAckFrame(fr, m) {
				return v, false
			}

		case wire.StreamFrame, wire.CryptoFrame:
			if (m.HasFrame(wire.FTStream) || m.HasFrame(wire.FTCrypto)) && m.HasStream {
				// already had a stream or crypto frame with
				// non-duplicate data in this packet; copy the meta so
				// both frames are tracked independently
				vdup := pool.Alloc()
				if vdup == nil {
					c.errClose(wire.ErrCodeInternal, 0, "pool exhausted")
					return v, false
				}
				copy(vdup.B, v.B)
				vdup.Off, vdup.Len = v.Off, v.Len
				vdup.Addr, vdup.TOS = v.Addr, v.TOS
				pool.CopyMeta(pool.MetaOf(vdup), m)
				// narrow the original to its stream bytes
				v.Off = m.StreamDataStart
				v.Len = m.StreamDataLen
				v = vdup
				m = pool.MetaOf(vdup)
			}
			if !c.decStreamOrCryptoFrame(f, v, m) {
				return v, false
			}

		case wire.RstStreamFrame:
			log.Printf("in RST_STREAM sid=%d err=0x%04x off=%d", fr.SID, fr.Err, fr.Off)
			s, ok := c.lookupStrm(fr.SID, wire.FTRstStream)
			if !ok {
				return v, false
			}
			if s != nil {
				s.toState(strmClosed)
				c.signalRead()
			}

		case wire.CloseFrame:
			log.Printf("in CLOSE err=0x%04x reason=%q", fr.Err, fr.Reason)
			if c.state != connClosingQueued {
				if c.state != connDraining {
					c.toState(connDraining)
					c.needsTx = false
					c.enterClosing()
				} else {
					c.enterClosed()
				}
			}

		case wire.MaxStreamDataFrame:
			s, ok := c.lookupStrm(fr.SID, wire.FTMaxStreamData)
			if !ok {
				return v, false
			}
			if s != nil {
				if fr.Max > s.outDataMax {
					s.outDataMax = fr.Max
					s.blocked = false
					c.needsTx = true
				} else {
					log.Printf("MAX_STREAM_DATA %d <= current value %d",
						fr.Max, s.outDataMax)
				}
			}

		case wire.MaxDataFrame:
			if fr.Max > c.tpOut.MaxData {
				c.tpOut.MaxData = fr.Max
				c.blocked = false
				c.needsTx = true
			} else {
				log.Printf("MAX_DATA %d <= current value %d", fr.Max, c.tpOut.MaxData)
			}

		case wire.MaxStreamIDFrame:
			max := (fr.SID >> 2) + 1
			if isUni(fr.SID) {
				if max > c.tpOut.MaxUniStreams {
					c.tpOut.MaxUniStreams = max
					c.sidBlockedUni = false
					c.needsTx = true
				}
			} else {
				if max > c.tpOut.MaxBidiStreams {
					c.tpOut.MaxBidiStreams = max
					c.sidBlockedBidi = false
					c.needsTx = true
				}
			}

		case wire.BlockedFrame:
			log.Printf("in BLOCKED off=%d", fr.Off)
			c.doConnFC()

		case wire.StreamBlockedFrame:
			s, ok := c.lookupStrm(fr.SID, wire.FTStreamBlocked)
			if !ok {
				return v, false
			}
			if s != nil {
				s.doStreamFC()
			}

		case wire.StreamIDBlockedFrame:
			c.onStreamIDBlocked(fr.SID)

		case wire.StopSendingFrame:
			s, ok := c.lookupStrm(fr.SID, wire.FTStopSending)
			if !ok {
				return v, false
			}
			if s != nil {
				// peer is not reading; abandon pending output
				s.outNxt = len(s.out)
				if s.state == strmHCRemote {
					s.toState(strmClosed)
				} else {
					s.toState(strmHCLocal)
				}
			}

		case wire.PathChallengeFrame:
			c.pathRespOut = fr.Data
			c.txPathResp = true
			c.needsTx = true

		case wire.PathResponseFrame:
			if fr.Data == c.pathChlgOut {
				c.txPathChlg = false
			} else {
				log.Printf("PATH_RESPONSE 0x%016x != challenge 0x%016x",
					fr.Data, c.pathChlgOut)
			}

		case wire.NewCIDFrame:
			if c.maxCIDSeqIn == pn.None || fr.Seq > c.maxCIDSeqIn {
				ent := &cids.Entry{CID: fr.CID, Seq: fr.Seq, SRT: fr.SRT}
				c.addDCID(ent)
				c.maxCIDSeqIn = fr.Seq
			} else {
				log.Printf("in NEW_CONNECTION_ID seq=%d [dup]", fr.Seq)
			}

		case wire.RetireCIDFrame:
			if !c.onRetireCID(fr.Seq) {
				return v, false
			}

		case wire.NewTokenFrame:
			if len(fr.Token) > wire.MaxTokLen {
				c.errClose(wire.ErrCodeFrameEnc, wire.FTNewToken,
					"max tok len is %d, got %d", wire.MaxTokLen, len(fr.Token))
				return v, false
			}
			// keep the token for future 0-RTT resumption
			c.engine.storeToken(c.peer, fr.Token)

		default:
			c.errClose(wire.ErrCodeFrameEnc, f.Type(),
				"unknown frame type 0x%02x at pos %d", f.Type(), i)
			return v, false
		}

		m.TrackFrame(f.Type())
		i = ni
	}

	if m.HasStream && m.StreamDataStart > 0 {
		// adjust the buffer view to the stream frame data
		v.Off = m.StreamDataStart
		v.Len = m.StreamDataLen
	}

	return v, true
}

// lookupStrm resolves a stream id for a control frame. Ids in the
// closed-streams set are silently ignored (nil, true); unknown live ids
// are a connection error (nil, false).
func (c *Conn) lookupStrm(sid int64, frameType uint8) (*Stream, bool) {
	s := c.getStream(sid)
	if s != nil {
		return s, true
	}
	if c.closedStreams.Find(uint64(sid)) {
		log.Printf("ignoring frame 0x%02x for closed strm %d on %s conn %s",
			frameType, sid, c.typ(), c.scidStr())
		return nil, true
	}
	c.errClose(wire.ErrCodeFrameEnc, frameType, "unknown strm %d", sid)
	return nil, false
}

// onStreamIDBlocked extends the peer's stream-id window when it is
// stuck at our advertised limit.
func (c *Conn) onStreamIDBlocked(sid int64) {
	if isUni(sid) {
		if (sid>>2)+1 == c.tpIn.MaxUniStreams {
			c.tpIn.NewMaxUniStreams = c.tpIn.MaxUniStreams + initMaxUniStream
			c.txMaxSIDUni = true
			c.needsTx = true
		}
	} else {
		if (sid>>2)+1 == c.tpIn.MaxBidiStreams {
			c.tpIn.NewMaxBidiStreams = c.tpIn.MaxBidiStreams + initMaxBidiStream
			c.txMaxSIDBidi = true
			c.needsTx = true
		}
	}
}

// onRetireCID removes one of our source cids. Retiring the active cid
// advances to the next sequence number; failure to do so is fatal.
func (c *Conn) onRetireCID(seq uint64) bool {
	log.Printf("in RETIRE_CONNECTION_ID seq=%d", seq)
	scid := c.scids.BySeq(seq)
	if scid == nil {
		c.errClose(wire.ErrCodeFrameEnc, wire.FTRetireCID, "no cid seq %d", seq)
		return false
	}
	if c.scid.Seq == scid.Seq {
		next := c.scids.Next(scid.Seq)
		if next == nil {
			c.errClose(wire.ErrCodeFrameEnc, wire.FTRetireCID, "no next scid")
			return false
		}
		c.scid = next
	}
	c.freeSCID(scid)

	// rx of RETIRE_CONNECTION_ID means we should send more
	c.txNCID = true
	c.needsTx = true
	return true
}

// decAckFrame ingests one ACK frame: recovery gets one call for the
// largest newly acked packet, one per acked packet, and one with the
// smallest newly acked number.
func (c *Conn) decAckFrame(f wire.AckFrame, m *buffer.Meta) bool {
	pool := c.engine.pool
	sp := c.spaceForPktType(m.Hdr.Type)

	// initial and handshake packets always use the default ACK delay
	// exponent
	ade := c.tpOut.AckDelExp
	if m.Hdr.Type == wire.LHInit || m.Hdr.Type == wire.LHHshk {
		ade = defAckDelExp
	}
	delay := time.Duration(f.DelayRaw<<ade) * time.Microsecond

	metrics.AckBlockHistogram.Observe(float64(len(f.Ranges)))

	smNewAcked := pn.None
	for _, r := range f.Ranges {
		for nr := r.Largest; ; nr-- {
			idx, ok := sp.Sent(nr)
			if !ok {
				if sp.AckedSent.Find(nr) {
					log.Printf("repeated ACK for %d, ignoring", nr)
				} else {
					log.Printf("got ACK for pkt %d never sent", nr)
				}
			} else {
				am := pool.Meta(idx)
				switch {
				case am.IsAcked:
					log.Printf("repeated ACK for %d, ignoring", nr)
				default:
					if nr == f.Largest {
						// only for the largest ACK in the frame
						c.rec.OnAckReceived1(am, delay)
					}
					if smNewAcked == pn.None || nr < smNewAcked {
						smNewAcked = nr
					}
					c.onPktAcked(sp, am)
				}
			}
			if nr == r.Smallest {
				break
			}
		}
	}

	if f.ECN {
		frameDebug.Printf("in ECN ect0=%d ect1=%d ce=%d", f.ECT0, f.ECT1, f.CE)
	}

	if sp.LgAcked == pn.None || f.Largest > sp.LgAcked {
		sp.LgAcked = f.Largest
	}
	c.rec.OnAckReceived2(smNewAcked)
	if smNewAcked != pn.None {
		c.onLossDetectionEvent(sp)
	}
	return true
}

// onPktAcked marks a sent packet acked, releases it from the sent tree
// and applies stream and retransmit-chain bookkeeping.
func (c *Conn) onPktAcked(sp *pn.Space, m *buffer.Meta) {
	pool := c.engine.pool
	m.IsAcked = true
	sp.AckedSent.Insert(m.Hdr.Nr)
	sp.DelSent(m.Hdr.Nr)
	c.rec.OnPktAcked(m)

	// an ACK covers the other end of a retransmit chain too
	for _, ridx := range append([]int32{}, m.RTX...) {
		rm := pool.Meta(ridx)
		if rm.IsAcked {
			continue
		}
		rm.IsAcked = true
		rsp := c.spaceForPktType(rm.Hdr.Type)
		rsp.AckedSent.Insert(rm.Hdr.Nr)
		rsp.DelSent(rm.Hdr.Nr)
		c.rec.RemoveFromFlight(rm)
		if rm.Standalone {
			pool.Free(pool.Buf(ridx))
		}
	}

	if m.HasStream {
		if s := c.getStream(m.StreamID); s != nil {
			s.advanceUna()
			if s.outFullyAcked() && s.finSent {
				if s.state == strmHCRemote {
					s.toState(strmClosed)
				} else if s.state == strmOpen {
					s.toState(strmHCLocal)
				}
			}
			if s.hasDataToTx() {
				// the ack freed window; keep the pipeline moving
				c.needsTx = true
			}
		}
	}

	if m.Standalone {
		idx := m.Idx
		pool.Free(pool.Buf(idx))
	}
}

// decStreamOrCryptoFrame classifies a data frame as sequential,
// duplicate or out-of-order and feeds the reassembly machinery.
func (c *Conn) decStreamOrCryptoFrame(f wire.Frame, v *buffer.Buf, m *buffer.Meta) bool {
	base := v.Off
	var sid int64
	var off uint64
	var data []byte
	var dataStart int
	var fin, isCrypto bool

	switch fr := f.(type) {
	case wire.CryptoFrame:
		isCrypto = true
		e := epochForPktType(m.Hdr.Type)
		sid = crptStrmID(e)
		off, data, dataStart = fr.Off, fr.Data, fr.DataStart
	case wire.StreamFrame:
		sid = fr.SID
		if max := c.maxSID(fr.SID); fr.SID > max {
			c.errClose(wire.ErrCodeStreamID, f.Type(), "sid %d > max %d", fr.SID, max)
			return false
		}
		off, data, dataStart, fin = fr.Off, fr.Data, fr.DataStart, fr.Fin
	}

	m.HasStream = false
	m.StreamID = sid
	m.StreamOff = off
	m.StreamDataStart = base + dataStart
	m.StreamDataLen = len(data)
	m.StreamFin = fin

	s := c.getStream(sid)

	if len(data) == 0 && !fin {
		log.Printf("zero-len stream/crypto frame on sid %d, ignoring", sid)
		return c.streamFCCheck(s, off, 0, isCrypto)
	}

	if s == nil {
		if c.closedStreams.Find(uint64(sid)) {
			log.Printf("ignoring STREAM frame for closed strm %d on %s conn %s",
				sid, c.typ(), c.scidStr())
			return true
		}
		if isSrvIni(sid) != c.isClnt {
			c.errClose(wire.ErrCodeFrameEnc, f.Type(),
				"got sid %d but am %s", sid, c.typ())
			return false
		}
		s = c.newStream(sid)
	}

	last := uint64(0)
	if m.StreamDataLen > 0 {
		last = uint64(m.StreamDataLen - 1)
	}

	switch {
	// best case: new in-order data
	case s.inDataOff >= off && s.inDataOff <= off+last:
		if s.inDataOff > off {
			// already-received data at the beginning of the frame, trim
			trimFrame(s, m)
		}
		s.trackBytesIn(uint64(m.StreamDataLen))
		s.inDataOff += uint64(m.StreamDataLen)
		m.HasStream = true
		s.in = append(s.in, v)
		metrics.StreamBytesDelivered.Add(float64(m.StreamDataLen))

		c.drainOOO(s)

		// check if we have delivered a FIN, and act on it if we did
		if len(s.in) > 0 {
			lm := c.engine.pool.MetaOf(s.in[len(s.in)-1])
			if lm.StreamFin {
				if s.state <= strmOpen {
					s.toState(strmHCRemote)
				} else {
					s.toState(strmClosed)
				}
				// ACK the FIN immediately
				c.txAck(epochForPktType(m.Hdr.Type))
			}
		}

		if !isCrypto {
			s.doStreamFC()
			c.doConnFC()
			c.haveNewData = true
			c.signalRead()
		}

	// data is a complete duplicate
	case off+uint64(m.StreamDataLen) <= s.inDataOff:
		frameDebug.Printf("dup frame [%d..%d] on strm %d", off,
			off+uint64(m.StreamDataLen), sid)

	// out of order: hold unless it overlaps existing held data
	default:
		if s.oooOverlaps(off, uint64(m.StreamDataLen)) {
			log.Printf("[%d..%d] has existing overlapping ooo data", off,
				off+uint64(m.StreamDataLen))
		} else {
			s.trackBytesIn(uint64(m.StreamDataLen))
			m.HasStream = true
			s.insertOOO(m)
		}
	}

	return c.streamFCCheck(s, off, uint64(m.StreamDataLen), isCrypto)
}

// streamFCCheck enforces the stream receive window; crypto streams are
// exempt.
func (c *Conn) streamFCCheck(s *Stream, off, l uint64, isCrypto bool) bool {
	if s == nil || isCrypto {
		return true
	}
	if off+l > s.inDataMax {
		c.errClose(wire.ErrCodeFlowControl, 0,
			"stream %d off %d > in_data_max %d", s.id, off+l, s.inDataMax)
		return false
	}
	return true
}

// trimFrame drops the already-delivered prefix of a data frame.
func trimFrame(s *Stream, m *buffer.Meta) {
	diff := s.inDataOff - m.StreamOff
	m.StreamOff += diff
	m.StreamDataStart += int(diff)
	m.StreamDataLen -= int(diff)
}

// drainOOO dequeues out-of-order frames made contiguous by new data.
func (c *Conn) drainOOO(s *Stream) {
	pool := c.engine.pool
	for len(s.inOOO) > 0 {
		p := s.inOOO[0]
		if p.StreamOff+uint64(p.StreamDataLen) < s.inDataOff {
			// stale: right edge below the delivered prefix
			log.Printf("drop stale frame [%d..%d]", p.StreamOff,
				p.StreamOff+uint64(p.StreamDataLen))
			s.inOOO = s.inOOO[1:]
			pool.Free(pool.Buf(p.Idx))
			continue
		}
		if p.StreamOff > s.inDataOff {
			// still a gap
			break
		}
		if s.inDataOff > p.StreamOff {
			trimFrame(s, p)
		}
		s.inOOO = s.inOOO[1:]
		b := pool.Buf(p.Idx)
		s.in = append(s.in, b)
		s.inDataOff += uint64(p.StreamDataLen)
		metrics.StreamBytesDelivered.Add(float64(p.StreamDataLen))
	}
}

// oooOverlaps reports whether [off, off+l) intersects any held frame.
func (s *Stream) oooOverlaps(off, l uint64) bool {
	if l == 0 {
		return false
	}
	for _, p := range s.inOOO {
		if p.StreamOff+uint64(p.StreamDataLen)-1 < off {
			continue
		}
		// right edge of p >= left edge of the new frame
		return p.StreamOff <= off+l-1
	}
	return false
}
