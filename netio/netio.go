// Package netio is the datagram engine underneath the QUIC core: a
// zero-copy batch interface over a UDP socket, plus an in-memory pair
// used by tests. Buffers come from the shared packet pool; ownership of
// a batch passes to the receiver.
package netio

import (
	"net"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/wire"
)

// ECN codepoints in the low bits of the IP TOS byte.
const (
	ECNMask = 0x03
	ECT1    = 0x01
	ECT0    = 0x02
	ECNCE   = 0x03
)

// Batch is a set of datagrams handed over in one operation.
type Batch []*buffer.Buf

// Socket is one bound UDP endpoint.
type Socket interface {
	// RX delivers batches of received datagrams. The channel closes
	// when the socket does.
	RX() <-chan Batch
	// TX sends a batch; the socket frees the buffers afterwards.
	TX(Batch) error
	// LocalAddr returns the bound address.
	LocalAddr() *net.UDPAddr
	// MTU returns the datagram budget.
	MTU() int
	// Close shuts the socket down.
	Close() error
}

// MTU is the fixed datagram budget for all sockets.
func MTU() int { return wire.MaxPktLen }
