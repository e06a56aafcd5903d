package netio

import (
	"log"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/wire"
)

// rxBatchSize is how many datagrams one ReadBatch may return.
const rxBatchSize = 16

// UDPSocket is the production Socket over a kernel UDP socket, using
// batched reads and writes.
type UDPSocket struct {
	pool *buffer.Pool
	c    *net.UDPConn
	pc   *ipv4.PacketConn
	peer *net.UDPAddr // default destination for connected sockets

	rxc       chan Batch
	closeOnce sync.Once
	closed    chan struct{}
}

// Bind opens a UDP socket on the given port (0 for ephemeral) and
// starts its reader.
func Bind(pool *buffer.Pool, port int) (*UDPSocket, error) {
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "bind %d", port)
	}
	pc := ipv4.NewPacketConn(c)
	// mark outbound packets ECT(0); failure is not fatal
	if err := pc.SetTOS(ECT0); err != nil {
		log.Println("cannot set TOS:", err)
	}
	enableRecvTOS(c)

	s := &UDPSocket{
		pool:   pool,
		c:      c,
		pc:     pc,
		rxc:    make(chan Batch, 4),
		closed: make(chan struct{}),
	}
	go s.reader()
	return s, nil
}

// Connect fixes the peer address used for buffers without an explicit
// destination.
func (s *UDPSocket) Connect(peer *net.UDPAddr) { s.peer = peer }

func (s *UDPSocket) reader() {
	defer close(s.rxc)
	msgs := make([]ipv4.Message, rxBatchSize)
	for {
		var bufs [rxBatchSize]*buffer.Buf
		n := 0
		for ; n < rxBatchSize; n++ {
			b := s.pool.Alloc()
			if b == nil {
				break
			}
			bufs[n] = b
			msgs[n] = ipv4.Message{
				Buffers: [][]byte{b.B[buffer.Overhead:]},
				OOB:     make([]byte, 64),
			}
		}
		if n == 0 {
			log.Println("packet pool exhausted, dropping inbound")
			return
		}

		got, err := s.pc.ReadBatch(msgs[:n], 0)
		if err != nil {
			for k := 0; k < n; k++ {
				s.pool.Free(bufs[k])
			}
			select {
			case <-s.closed:
			default:
				log.Println("read:", err)
			}
			return
		}

		batch := make(Batch, 0, got)
		for k := 0; k < got; k++ {
			b := bufs[k]
			b.Len = msgs[k].N
			if a, ok := msgs[k].Addr.(*net.UDPAddr); ok {
				b.Addr = a
			}
			b.TOS = tosFromOOB(msgs[k].OOB[:msgs[k].NN])
			batch = append(batch, b)
		}
		for k := got; k < n; k++ {
			s.pool.Free(bufs[k])
		}
		select {
		case s.rxc <- batch:
		case <-s.closed:
			for _, b := range batch {
				s.pool.Free(b)
			}
			return
		}
	}
}

// RX implements Socket.
func (s *UDPSocket) RX() <-chan Batch { return s.rxc }

// TX implements Socket; buffers are returned to the pool once written.
func (s *UDPSocket) TX(batch Batch) error {
	msgs := make([]ipv4.Message, 0, len(batch))
	for _, b := range batch {
		addr := b.Addr
		if addr == nil {
			addr = s.peer
		}
		msgs = append(msgs, ipv4.Message{
			Buffers: [][]byte{b.Data()},
			Addr:    addr,
		})
	}
	sent := 0
	for sent < len(msgs) {
		n, err := s.pc.WriteBatch(msgs[sent:], 0)
		if err != nil {
			for _, b := range batch {
				s.pool.Free(b)
			}
			return errors.Wrap(err, "write batch")
		}
		sent += n
	}
	for _, b := range batch {
		s.pool.Free(b)
	}
	return nil
}

// LocalAddr implements Socket.
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.c.LocalAddr().(*net.UDPAddr)
}

// MTU implements Socket.
func (s *UDPSocket) MTU() int { return wire.MaxPktLen }

// Close implements Socket.
func (s *UDPSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.c.Close()
}
