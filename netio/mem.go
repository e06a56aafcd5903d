package netio

import (
	"net"
	"sync"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/wire"
)

// MemSocket is an in-memory Socket. A pair of them form a lossless
// bidirectional link, which the tests use to run both endpoint roles in
// one process without a kernel socket.
type MemSocket struct {
	pool *buffer.Pool
	addr *net.UDPAddr
	peer *MemSocket

	// Drop, when set, discards datagrams for which it returns true.
	Drop func(*buffer.Buf) bool

	rxc       chan Batch
	closeOnce sync.Once
	closed    chan struct{}
}

// MemPair creates two connected in-memory sockets sharing one pool.
func MemPair(pool *buffer.Pool) (*MemSocket, *MemSocket) {
	a := &MemSocket{
		pool:   pool,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001},
		rxc:    make(chan Batch, 64),
		closed: make(chan struct{}),
	}
	b := &MemSocket{
		pool:   pool,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002},
		rxc:    make(chan Batch, 64),
		closed: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

// SetAddr overrides the socket's apparent source address; tests use it
// to simulate path migration.
func (s *MemSocket) SetAddr(a *net.UDPAddr) { s.addr = a }

// RX implements Socket.
func (s *MemSocket) RX() <-chan Batch { return s.rxc }

// TX implements Socket: each datagram is delivered to the peer with
// this socket's address as its source.
func (s *MemSocket) TX(batch Batch) error {
	for _, b := range batch {
		if s.Drop != nil && s.Drop(b) {
			s.pool.Free(b)
			continue
		}
		b.Addr = s.addr
		select {
		case s.peer.rxc <- Batch{b}:
		case <-s.peer.closed:
			s.pool.Free(b)
		}
	}
	return nil
}

// LocalAddr implements Socket.
func (s *MemSocket) LocalAddr() *net.UDPAddr { return s.addr }

// MTU implements Socket.
func (s *MemSocket) MTU() int { return wire.MaxPktLen }

// Close implements Socket.
func (s *MemSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.rxc)
	})
	return nil
}
