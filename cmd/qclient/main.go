// qclient is a demo QUIC client: it connects, sends a payload on a
// fresh stream, waits for the echo and optionally dumps transfer stats
// as CSV.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/keycodinggood/quant"
)

var (
	addr     = flag.String("addr", "127.0.0.1:4433", "Server address")
	payload  = flag.String("payload", strings.Repeat("quant", 1000), "Bytes to send")
	statsOut = flag.String("stats", "", "File to write connection stats CSV to")
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	peer, err := net.ResolveUDPAddr("udp4", *addr)
	rtx.Must(err, "Could not resolve %s", *addr)

	engine := quant.Init("")
	defer engine.Cleanup()

	c, err := engine.Connect(peer)
	rtx.Must(err, "Could not connect to %s", *addr)
	log.Println("connected to", *addr)

	s, err := c.RsvStream(true)
	rtx.Must(err, "Could not reserve stream")

	rtx.Must(c.Write(s, []byte(*payload)), "Could not write")
	log.Println("wrote", len(*payload), "bytes on strm", s.ID())

	got := 0
	for got < len(*payload) {
		_, data, err := c.Read()
		rtx.Must(err, "Could not read echo")
		for _, chunk := range data {
			got += len(chunk)
		}
	}
	log.Println("echo of", got, "bytes complete")

	if *statsOut != "" {
		f, err := os.Create(*statsOut)
		rtx.Must(err, "Could not create %s", *statsOut)
		stats := []quant.ConnStats{c.Stats()}
		rtx.Must(gocsv.MarshalFile(&stats, f), "Could not write stats")
		rtx.Must(f.Close(), "Could not close %s", *statsOut)
	}

	rtx.Must(c.Close(), "Could not close")
}
