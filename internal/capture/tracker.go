package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

const flushEvery = 1024

// connKey is an unordered address pair.
type connKey struct {
	lo, hi netip.AddrPort
}

func keyOf(a, b netip.AddrPort) connKey {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return connKey{lo: a, hi: b}
}

type tcpConn struct {
	key    connKey
	id     core.ConnectionID
	seq    [2]uint64
	done   [2]bool
	broken bool
}

// tracker turns captured TCP segments into directed events. The initiator
// of a connection becomes its Local side, so Outbound bytes are the ones it
// sent. Not safe for concurrent use.
type tracker struct {
	ctx      context.Context
	out      chan<- core.Event
	boot     time.Time
	ports    map[uint16]bool
	filter   *PortFilter
	linkType layers.LinkType
	idle     time.Duration

	assembler *tcpassembly.Assembler
	conns     map[connKey]*tcpConn
	reuse     map[connKey]uint64
	current   *layers.TCP
	packets   int
	err       error
}

type trackerConfig struct {
	Boot     time.Time
	Ports    []uint16
	LinkType layers.LinkType
	Idle     time.Duration
	// MaxPages bounds out-of-order segment buffering (0 = unbounded).
	MaxPages int
}

func newTracker(ctx context.Context, cfg trackerConfig, out chan<- core.Event) (*tracker, error) {
	if cfg.Boot.IsZero() {
		cfg.Boot = time.Unix(0, 0)
	}
	t := &tracker{
		ctx:      ctx,
		out:      out,
		boot:     cfg.Boot,
		linkType: cfg.LinkType,
		idle:     cfg.Idle,
		conns:    make(map[connKey]*tcpConn),
		reuse:    make(map[connKey]uint64),
	}
	if len(cfg.Ports) > 0 {
		t.ports = make(map[uint16]bool, len(cfg.Ports))
		for _, p := range cfg.Ports {
			t.ports[p] = true
		}
		if cfg.LinkType == layers.LinkTypeEthernet {
			f, err := NewPortFilter(cfg.Ports)
			if err != nil {
				return nil, err
			}
			t.filter = f
		}
	}
	t.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(t))
	t.assembler.MaxBufferedPagesTotal = cfg.MaxPages
	return t, nil
}

// packet feeds one captured frame. It returns the first delivery error.
func (t *tracker) packet(data []byte, ci gopacket.CaptureInfo) error {
	if t.filter != nil && !t.filter.Match(data) {
		metrics.CapturePacketsTotal.WithLabelValues("filtered").Inc()
		return nil
	}
	pkt := gopacket.NewPacket(data, t.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	nl := pkt.NetworkLayer()
	if !ok || nl == nil {
		metrics.CapturePacketsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if t.ports != nil && !t.ports[uint16(tcp.SrcPort)] && !t.ports[uint16(tcp.DstPort)] {
		metrics.CapturePacketsTotal.WithLabelValues("filtered").Inc()
		return nil
	}
	metrics.CapturePacketsTotal.WithLabelValues("accepted").Inc()

	t.current = tcp
	t.assembler.AssembleWithTimestamp(nl.NetworkFlow(), tcp, ci.Timestamp)
	t.current = nil

	t.packets++
	if t.idle > 0 && t.packets%flushEvery == 0 {
		t.assembler.FlushOlderThan(ci.Timestamp.Add(-t.idle))
	}
	return t.err
}

// flush completes every connection still open.
func (t *tracker) flush() error {
	t.assembler.FlushAll()
	for _, c := range t.conns {
		t.close(c)
	}
	return t.err
}

// New implements tcpassembly.StreamFactory.
func (t *tracker) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src := endpoint(netFlow.Src(), tcpFlow.Src())
	dst := endpoint(netFlow.Dst(), tcpFlow.Dst())
	key := keyOf(src, dst)
	c, ok := t.conns[key]
	if !ok {
		initiator, responder := src, dst
		if t.current != nil && t.current.SYN && t.current.ACK {
			initiator, responder = dst, src
		}
		c = &tcpConn{
			key: key,
			id:  core.ConnectionID{Local: initiator, Remote: responder, Index: t.reuse[key]},
		}
		t.conns[key] = c
		slog.Debug("tcp connection tracked", "conn", c.id.String())
	}
	dir := core.Outbound
	if src != c.id.Local {
		dir = core.Inbound
	}
	return &halfStream{t: t, conn: c, dir: dir}
}

func endpoint(addr, port gopacket.Endpoint) netip.AddrPort {
	ip, _ := netip.AddrFromSlice(addr.Raw())
	var p uint16
	if raw := port.Raw(); len(raw) == 2 {
		p = binary.BigEndian.Uint16(raw)
	}
	return netip.AddrPortFrom(ip.Unmap(), p)
}

func (t *tracker) emit(ev core.Event) {
	if t.err != nil {
		return
	}
	select {
	case t.out <- ev:
	case <-t.ctx.Done():
		t.err = t.ctx.Err()
	}
}

// close ends c once. A later connection on the same address pair gets the
// next index.
func (t *tracker) close(c *tcpConn) {
	if t.conns[c.key] != c {
		return
	}
	delete(t.conns, c.key)
	t.reuse[c.key]++
	if !c.broken {
		t.emit(core.Event{ID: core.DirectedID{Stream: core.StreamID{Conn: c.id}}, Kind: core.EventClose})
	}
}

type halfStream struct {
	t    *tracker
	conn *tcpConn
	dir  core.Direction
}

func (s *halfStream) Reassembled(rs []tcpassembly.Reassembly) {
	c := s.conn
	for _, r := range rs {
		if c.broken {
			return
		}
		// Skip < 0 marks a stream picked up mid-flight; the decoder copes
		// with that by failing the chain. A positive skip is a hole.
		if r.Skip > 0 {
			metrics.CaptureGapsTotal.Inc()
			slog.Warn("tcp segments lost, dropping connection", "conn", c.id.String(), "bytes", r.Skip)
			s.t.emit(core.Event{ID: core.DirectedID{Stream: core.StreamID{Conn: c.id}}, Kind: core.EventClose})
			c.broken = true
			return
		}
		if len(r.Bytes) == 0 {
			continue
		}
		s.t.emit(core.Event{
			ID: core.DirectedID{
				Stream: core.StreamID{Conn: c.id},
				Dir:    s.dir,
				Seq:    c.seq[s.dir],
				Offset: r.Seen.Sub(s.t.boot),
			},
			Kind: core.EventData,
			Data: bytes.Clone(r.Bytes),
		})
		c.seq[s.dir]++
	}
}

func (s *halfStream) ReassemblyComplete() {
	s.conn.done[s.dir] = true
	if s.conn.done[core.Outbound] && s.conn.done[core.Inbound] {
		s.t.close(s.conn)
	}
}
