//go:build !linux

package netio

import "net"

// Per-packet TOS is only wired up on Linux; elsewhere the ECN counters
// simply stay at zero.

func enableRecvTOS(c *net.UDPConn) {}

func tosFromOOB(oob []byte) uint8 { return 0 }
