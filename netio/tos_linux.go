//go:build linux

package netio

import (
	"log"
	"net"

	"golang.org/x/sys/unix"
)

// enableRecvTOS asks the kernel to deliver the IP TOS byte as a control
// message so the ECN bits of each datagram are visible.
func enableRecvTOS(c *net.UDPConn) {
	raw, err := c.SyscallConn()
	if err != nil {
		log.Println("cannot get raw conn:", err)
		return
	}
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1); e != nil {
			log.Println("cannot enable IP_RECVTOS:", e)
		}
	})
	if err != nil {
		log.Println("raw control:", err)
	}
}

// tosFromOOB extracts the TOS byte from the control messages of one
// received datagram.
func tosFromOOB(oob []byte) uint8 {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, m := range cmsgs {
		if m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_TOS &&
			len(m.Data) > 0 {
			return m.Data[0]
		}
	}
	return 0
}
