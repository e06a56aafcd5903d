package quant

import (
	"container/heap"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keycodinggood/quant/buffer"
	"github.com/keycodinggood/quant/netio"
	"github.com/keycodinggood/quant/pn"
	"github.com/keycodinggood/quant/wire"
)

// Number of packet buffers to allocate.
const defaultPoolSize = 4096

// Cache sizes for the reordered-0-RTT and NEW_TOKEN stores.
const (
	ooo0RTTCacheSize = 64
	tokenCacheSize   = 256
)

// Timer kinds dispatched by the engine's single what-fires-next queue.
type timerKind int

const (
	tIdle timerKind = iota
	tClosing
	tAck
	tMigration
	tLossDet
)

type timerKey struct {
	kind timerKind
	sp   pn.Kind
}

type timerEntry struct {
	when time.Time
	key  timerKey
	c    *Conn
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type sockBatch struct {
	sock  netio.Socket
	batch netio.Batch
}

type zrttEntry struct {
	pkt  []byte
	addr *net.UDPAddr
	t    time.Time
}

// Engine owns the process-wide state: the buffer pool, the connection
// indices, the 0-RTT holding set, the accept queue and the loop
// goroutine that all connections run on.
type Engine struct {
	clk  clock.Clock
	pool *buffer.Pool

	reqc chan func()
	rxc  chan sockBatch
	quit chan struct{}
	done chan struct{}

	// all three indices are mutated only on the loop goroutine
	connsByID   map[string]*Conn
	connsByIPNP map[string]*Conn
	listeners   map[netio.Socket]*Conn

	ooo0RTT     *lru.Cache[string, *zrttEntry]
	tokens      *lru.Cache[string, []byte]
	pending0RTT []*buffer.Buf

	acceptQ      []*Conn
	acceptSignal chan struct{}

	timers timerHeap

	sweeps     []*Conn
	sweepReady []*Conn

	tokenSecret  [16]byte
	requireRetry bool
	newHS        func(isClnt bool) Handshaker
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithClock injects a clock, usually a mock in tests.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithPool shares a buffer pool between engines, which the in-memory
// socket pair requires.
func WithPool(p *buffer.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithHandshaker injects the TLS collaborator constructor.
func WithHandshaker(f func(isClnt bool) Handshaker) Option {
	return func(e *Engine) { e.newHS = f }
}

// WithRetry makes the server validate client addresses with RETRY.
func WithRetry() Option {
	return func(e *Engine) { e.requireRetry = true }
}

// Init creates an engine and spawns its loop. The ifname parameter is
// kept for interface symmetry with kernel-bypass backends and is unused
// with the UDP engine.
func Init(ifname string, opts ...Option) *Engine {
	_ = ifname
	e := &Engine{
		clk:          clock.New(),
		pool:         buffer.NewPool(defaultPoolSize),
		reqc:         make(chan func(), 16),
		rxc:          make(chan sockBatch, 16),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		connsByID:    make(map[string]*Conn),
		connsByIPNP:  make(map[string]*Conn),
		listeners:    make(map[netio.Socket]*Conn),
		acceptSignal: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.newHS == nil {
		e.newHS = func(isClnt bool) Handshaker { return newStubTLS(isClnt) }
	}
	e.ooo0RTT, _ = lru.New[string, *zrttEntry](ooo0RTTCacheSize)
	e.tokens, _ = lru.New[string, []byte](tokenCacheSize)
	randCID := wire.RandCID(16)
	copy(e.tokenSecret[:], randCID.ID[:16])

	go e.loop()
	return e
}

// Pool exposes the packet buffer pool for q_alloc-style callers.
func (e *Engine) Pool() *buffer.Pool { return e.pool }

func (e *Engine) newHandshaker(isClnt bool) Handshaker { return e.newHS(isClnt) }

// watchSock forwards a socket's batches into the loop.
func (e *Engine) watchSock(s netio.Socket) {
	go func() {
		for batch := range s.RX() {
			select {
			case e.rxc <- sockBatch{sock: s, batch: batch}:
			case <-e.quit:
				for _, b := range batch {
					e.pool.Free(b)
				}
				return
			}
		}
	}()
}

// loop runs all connections: packet I/O, timers and state mutations all
// happen here.
func (e *Engine) loop() {
	defer close(e.done)
	t := e.clk.Timer(time.Hour)
	defer t.Stop()

	for {
		e.runSweep()
		e.rearm(t)
		select {
		case fn := <-e.reqc:
			fn()
		case sb := <-e.rxc:
			e.rxBatch(sb.sock, sb.batch)
		case <-t.C:
			e.fireTimers()
		case <-e.quit:
			return
		}
	}
}

// do posts fn to the loop and waits for it to run.
func (e *Engine) do(fn func()) {
	d := make(chan struct{})
	select {
	case e.reqc <- func() { fn(); close(d) }:
		<-d
	case <-e.done:
	}
}

// rearm points the loop timer at the earliest live deadline.
func (e *Engine) rearm(t *clock.Timer) {
	t.Stop()
	for len(e.timers) > 0 {
		next := e.timers[0]
		if dl, ok := next.c.deadlines[next.key]; !ok || !dl.Equal(next.when) {
			heap.Pop(&e.timers) // stale entry
			continue
		}
		d := next.when.Sub(e.clk.Now())
		if d < 0 {
			d = 0
		}
		t.Reset(d)
		return
	}
	t.Reset(time.Hour)
}

// fireTimers dispatches every due, still-valid timer.
func (e *Engine) fireTimers() {
	now := e.clk.Now()
	for len(e.timers) > 0 && !e.timers[0].when.After(now) {
		ent := heap.Pop(&e.timers).(timerEntry)
		c := ent.c
		if dl, ok := c.deadlines[ent.key]; !ok || !dl.Equal(ent.when) {
			continue // re-armed or stopped
		}
		delete(c.deadlines, ent.key)

		switch ent.key.kind {
		case tIdle:
			c.onIdleTimeout()
		case tClosing:
			c.enterClosed()
		case tAck:
			c.txAck(epochForSpace(ent.key.sp))
		case tMigration:
			c.doMigration = true
			c.doKeyFlip = true
		case tLossDet:
			c.onLossTimer()
		}
	}
}

func epochForSpace(k pn.Kind) Epoch {
	switch k {
	case pn.Init:
		return EpochInit
	case pn.Hshk:
		return EpochHshk
	default:
		return EpochData
	}
}

// setTimer (re-)arms one of a connection's timers. Firing is idempotent
// with respect to state: stale heap entries are skipped.
func (e *Engine) setTimer(c *Conn, kind timerKind, sp pn.Kind, when time.Time) {
	key := timerKey{kind: kind, sp: sp}
	c.deadlines[key] = when
	heap.Push(&e.timers, timerEntry{when: when, key: key, c: c})
}

func (e *Engine) stopTimer(c *Conn, kind timerKind, sp pn.Kind) {
	delete(c.deadlines, timerKey{kind: kind, sp: sp})
}

func (e *Engine) timerActive(c *Conn, kind timerKind, sp pn.Kind) bool {
	_, ok := c.deadlines[timerKey{kind: kind, sp: sp}]
	return ok
}

// connection indices

func ipnpKey(sport int, peer *net.UDPAddr) string {
	return fmt.Sprintf("%d|%s", sport, peer.String())
}

func (e *Engine) connsByIDIns(c *Conn, id *wire.CID) {
	e.connsByID[string(id.Bytes())] = c
}

func (e *Engine) connsByIDDel(id *wire.CID) {
	delete(e.connsByID, string(id.Bytes()))
}

func (e *Engine) connByID(id *wire.CID) *Conn {
	return e.connsByID[string(id.Bytes())]
}

func (e *Engine) connsByIPNPIns(c *Conn) {
	if c.peer == nil {
		return
	}
	e.connsByIPNP[ipnpKey(c.sport, c.peer)] = c
}

func (e *Engine) connsByIPNPDel(c *Conn) {
	if c.peer == nil {
		return
	}
	delete(e.connsByIPNP, ipnpKey(c.sport, c.peer))
}

func (e *Engine) connByIPNP(sport int, peer *net.UDPAddr) *Conn {
	if peer == nil {
		return nil
	}
	return e.connsByIPNP[ipnpKey(sport, peer)]
}

func (e *Engine) listenerFor(s netio.Socket) *Conn { return e.listeners[s] }

// 0-RTT reorder cache

// cache0RTT holds on to a 0-RTT packet that arrived before its INITIAL.
func (e *Engine) cache0RTT(dcid *wire.CID, pkt []byte, peer *net.UDPAddr) {
	ent := &zrttEntry{
		pkt:  append([]byte{}, pkt...),
		addr: cloneAddr(peer),
		t:    e.clk.Now(),
	}
	e.ooo0RTT.Add(string(dcid.Bytes()), ent)
}

// take0RTT re-injects a cached 0-RTT packet once its INITIAL arrived.
func (e *Engine) take0RTT(c *Conn, dcid *wire.CID) {
	key := string(dcid.Bytes())
	ent, ok := e.ooo0RTT.Get(key)
	if !ok {
		return
	}
	e.ooo0RTT.Remove(key)
	log.Printf("have reordered 0-RTT pkt (t=%v ago) for %s conn %s",
		e.clk.Now().Sub(ent.t), c.typ(), c.scidStr())
	xv := e.pool.Alloc()
	if xv == nil {
		return
	}
	xv.Off = buffer.Overhead
	xv.Len = copy(xv.B[xv.Off:], ent.pkt)
	xv.Addr = ent.addr
	e.pending0RTT = append(e.pending0RTT, xv)
}

// NEW_TOKEN store, keyed by peer address pending a resumption design
// that knows server names.
func (e *Engine) storeToken(peer *net.UDPAddr, tok []byte) {
	if peer == nil {
		return
	}
	e.tokens.Add(peer.IP.String(), append([]byte{}, tok...))
}

func (e *Engine) lookupToken(peer *net.UDPAddr) []byte {
	if peer == nil {
		return nil
	}
	tok, _ := e.tokens.Get(peer.IP.String())
	return tok
}

// accept queue

func (e *Engine) acceptReady(c *Conn) {
	e.acceptQ = append(e.acceptQ, c)
	close(e.acceptSignal)
	e.acceptSignal = make(chan struct{})
}

// sweep: closed connections stay reachable for one loop tick so late
// datagrams drop silently, then are freed.
func (e *Engine) scheduleSweep(c *Conn) {
	e.sweeps = append(e.sweeps, c)
}

func (e *Engine) runSweep() {
	for _, c := range e.sweepReady {
		c.free()
	}
	e.sweepReady = e.sweeps
	e.sweeps = nil
}
