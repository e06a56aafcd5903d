// qserver is a demo QUIC echo server: it accepts connections and
// writes every stream's bytes back to the peer.
package main

import (
	"flag"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/keycodinggood/quant"
)

var (
	port     = flag.Int("port", 4433, "UDP port to listen on")
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	retry    = flag.Bool("retry", false, "Validate client addresses with RETRY")
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Close()

	var opts []quant.Option
	if *retry {
		opts = append(opts, quant.WithRetry())
	}
	engine := quant.Init("", opts...)
	defer engine.Cleanup()

	listener, err := engine.Bind(*port)
	rtx.Must(err, "Could not bind port %d", *port)
	log.Println("listening on", *port)

	for {
		c, err := listener.Accept()
		if err != nil {
			log.Println("accept:", err)
			return
		}
		go echo(c)
	}
}

func echo(c *quant.Conn) {
	defer c.Close()
	for {
		s, data, err := c.Read()
		if err != nil {
			log.Println("read:", err)
			return
		}
		for _, chunk := range data {
			if err := c.Write(s, chunk); err != nil {
				log.Println("write:", err)
				return
			}
		}
	}
}
