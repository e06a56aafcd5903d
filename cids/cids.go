// Package cids tracks the connection ids a connection holds for itself
// (source cids) and for its peer (destination cids). Each set is
// ordered by sequence number and also indexed by id bytes for inbound
// lookup.
// Sets are NOT threadsafe; they are only touched on the loop goroutine.
package cids

import (
	"errors"
	"sort"

	"github.com/keycodinggood/quant/wire"
)

// Errors returned by set operations.
var (
	ErrDupSeq = errors.New("cid sequence number already in set")
	ErrDupID  = errors.New("cid bytes already in set")
)

// Entry is one connection id with its sequence number and
// stateless-reset token.
type Entry struct {
	CID     wire.CID
	Seq     uint64
	SRT     [wire.SRTLen]byte
	Retired bool
}

// Set is an ordered set of cids.
type Set struct {
	bySeq map[uint64]*Entry
	byID  map[string]*Entry
	seqs  []uint64 // sorted ascending
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{
		bySeq: make(map[uint64]*Entry, 4),
		byID:  make(map[string]*Entry, 4),
	}
}

// Add inserts a new entry. Sequence numbers and id bytes must be unique
// within the set.
func (s *Set) Add(e *Entry) error {
	if _, ok := s.bySeq[e.Seq]; ok {
		return ErrDupSeq
	}
	key := string(e.CID.Bytes())
	if _, ok := s.byID[key]; ok {
		return ErrDupID
	}
	s.bySeq[e.Seq] = e
	s.byID[key] = e
	k := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] > e.Seq })
	s.seqs = append(s.seqs, 0)
	copy(s.seqs[k+1:], s.seqs[k:])
	s.seqs[k] = e.Seq
	return nil
}

// Del removes the entry with the given sequence number.
func (s *Set) Del(seq uint64) {
	e, ok := s.bySeq[seq]
	if !ok {
		return
	}
	delete(s.bySeq, seq)
	delete(s.byID, string(e.CID.Bytes()))
	k := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] >= seq })
	if k < len(s.seqs) && s.seqs[k] == seq {
		s.seqs = append(s.seqs[:k], s.seqs[k+1:]...)
	}
}

// BySeq looks an entry up by sequence number.
func (s *Set) BySeq(seq uint64) *Entry { return s.bySeq[seq] }

// ByID looks an entry up by id bytes.
func (s *Set) ByID(id []byte) *Entry { return s.byID[string(id)] }

// Next returns the entry with the smallest sequence number strictly
// greater than seq, or nil.
func (s *Set) Next(seq uint64) *Entry {
	k := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] > seq })
	if k == len(s.seqs) {
		return nil
	}
	return s.bySeq[s.seqs[k]]
}

// Max returns the entry with the largest sequence number, or nil.
func (s *Set) Max() *Entry {
	if len(s.seqs) == 0 {
		return nil
	}
	return s.bySeq[s.seqs[len(s.seqs)-1]]
}

// Min returns the entry with the smallest sequence number, or nil.
func (s *Set) Min() *Entry {
	if len(s.seqs) == 0 {
		return nil
	}
	return s.bySeq[s.seqs[0]]
}

// Cnt returns the number of entries.
func (s *Set) Cnt() int { return len(s.seqs) }

// Each calls f for every entry in ascending sequence order, stopping
// when f returns false.
func (s *Set) Each(f func(*Entry) bool) {
	for _, seq := range s.seqs {
		if !f(s.bySeq[seq]) {
			return
		}
	}
}
