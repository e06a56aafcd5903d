// Package pn implements packet-number spaces. Each connection has
// three: initial, handshake and application data. Packet numbers and
// ACK state are tracked independently per space.
// Spaces are NOT threadsafe; they are only touched on the loop
// goroutine.
package pn

import (
	"sort"

	"github.com/keycodinggood/quant/diet"
	"github.com/keycodinggood/quant/wire"
)

// None marks an unset packet number.
const None = ^uint64(0)

// Kind names the three spaces.
type Kind int

// Space kinds, in epoch order.
const (
	Init Kind = iota
	Hshk
	Data
	NumSpaces
)

func (k Kind) String() string {
	switch k {
	case Init:
		return "init"
	case Hshk:
		return "hshk"
	default:
		return "data"
	}
}

// Space is one packet-number space.
type Space struct {
	Kind Kind

	// Recv holds exactly those packet numbers whose frames were
	// successfully processed; it drives ACK generation and duplicate
	// detection.
	Recv diet.Diet

	// AckedSent holds our sent packet numbers already seen acked, for
	// repeated-ACK detection after the meta left the sent tree.
	AckedSent diet.Diet

	// sent tracks outbound packets not yet acked, declared lost and
	// discarded, or retransmit-replaced: pkt nr -> pool index.
	sent    map[uint64]int32
	sentNrs []uint64 // ascending

	LgSent  uint64
	LgRecv  uint64
	LgAcked uint64

	// ECN counters, updated from the IP TOS bits of received packets.
	ECT0Cnt uint64
	ECT1Cnt uint64
	CECnt   uint64

	// PktsRxedSinceACK counts ack-eliciting receptions not yet covered
	// by an outbound ACK.
	PktsRxedSinceACK int
}

// New creates an empty space.
func New(k Kind) *Space {
	return &Space{
		Kind:    k,
		sent:    make(map[uint64]int32),
		LgSent:  None,
		LgRecv:  None,
		LgAcked: None,
	}
}

// Reset returns the space to its initial state. When preserveLgSent is
// set the outbound packet number sequence continues where it left off,
// which version negotiation requires.
func (s *Space) Reset(preserveLgSent bool) {
	lg := s.LgSent
	*s = *New(s.Kind)
	if preserveLgSent {
		s.LgSent = lg
	}
}

// NextNr assigns and returns the next outbound packet number.
func (s *Space) NextNr() uint64 {
	if s.LgSent == None {
		s.LgSent = 0
	} else {
		s.LgSent++
	}
	return s.LgSent
}

// OnSent records an outbound packet in the sent tree. Retransmit
// replacement re-inserts old numbers, so insertion keeps the tree
// sorted rather than assuming append order.
func (s *Space) OnSent(nr uint64, idx int32) {
	s.sent[nr] = idx
	k := sort.Search(len(s.sentNrs), func(i int) bool { return s.sentNrs[i] >= nr })
	if k < len(s.sentNrs) && s.sentNrs[k] == nr {
		return
	}
	s.sentNrs = append(s.sentNrs, 0)
	copy(s.sentNrs[k+1:], s.sentNrs[k:])
	s.sentNrs[k] = nr
}

// Sent looks up a sent packet by number.
func (s *Space) Sent(nr uint64) (int32, bool) {
	idx, ok := s.sent[nr]
	return idx, ok
}

// DelSent removes a packet from the sent tree.
func (s *Space) DelSent(nr uint64) {
	if _, ok := s.sent[nr]; !ok {
		return
	}
	delete(s.sent, nr)
	k := sort.Search(len(s.sentNrs), func(i int) bool { return s.sentNrs[i] >= nr })
	if k < len(s.sentNrs) && s.sentNrs[k] == nr {
		s.sentNrs = append(s.sentNrs[:k], s.sentNrs[k+1:]...)
	}
}

// SentCnt returns the number of un-acked sent packets.
func (s *Space) SentCnt() int { return len(s.sentNrs) }

// EachSent walks the sent tree in ascending packet-number order,
// stopping when f returns false.
func (s *Space) EachSent(f func(nr uint64, idx int32) bool) {
	for _, nr := range s.sentNrs {
		if !f(nr, s.sent[nr]) {
			return
		}
	}
}

// EachSentRev walks the sent tree newest-first.
func (s *Space) EachSentRev(f func(nr uint64, idx int32) bool) {
	for k := len(s.sentNrs) - 1; k >= 0; k-- {
		nr := s.sentNrs[k]
		if !f(nr, s.sent[nr]) {
			return
		}
	}
}

// OnRx records a successfully processed received packet number and
// updates the largest-received counter.
func (s *Space) OnRx(nr uint64) {
	s.Recv.Insert(nr)
	if s.LgRecv == None || nr > s.LgRecv {
		s.LgRecv = nr
	}
}

// NeedsAck reports whether the peer is owed an ACK in this space.
func (s *Space) NeedsAck() bool { return s.PktsRxedSinceACK > 0 }

// AckFrame builds an ACK frame covering every received range,
// newest-first. It returns the zero frame when nothing was received.
func (s *Space) AckFrame(delayRaw uint64, ecn bool) (wire.AckFrame, bool) {
	ivals := s.Recv.Ivals()
	if len(ivals) == 0 {
		return wire.AckFrame{}, false
	}
	f := wire.AckFrame{
		Largest:  s.Recv.Max(),
		DelayRaw: delayRaw,
	}
	for k := len(ivals) - 1; k >= 0; k-- {
		f.Ranges = append(f.Ranges, wire.AckRange{
			Largest:  ivals[k].Hi,
			Smallest: ivals[k].Lo,
		})
	}
	if ecn && (s.ECT0Cnt|s.ECT1Cnt|s.CECnt) != 0 {
		f.ECN = true
		f.ECT0 = s.ECT0Cnt
		f.ECT1 = s.ECT1Cnt
		f.CE = s.CECnt
	}
	return f, true
}
