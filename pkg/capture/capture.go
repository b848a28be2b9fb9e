// Package capture feeds DNP3 analyzers from captured TCP traffic. TCP
// reassembly is done by github.com/google/gopacket/reassembly.
package capture

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/reassembly"
	"github.com/pkg/errors"

	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/analyzer"
)

// Stats holds packet-level counters
type Stats struct {
	Packets     uint64 // Packets read
	TCPPackets  uint64 // TCP packets handed to the reassembler
	Filtered    uint64 // TCP packets on other ports
	Connections uint64 // Connections seen
}

// Capture runs packets through TCP reassembly into an analyzer.Manager.
// Packets must be handed in one at a time.
type Capture struct {
	config    Config
	manager   *analyzer.Manager
	logger    logger.Logger
	assembler *reassembly.Assembler

	lastFlush time.Time

	packets     atomic.Uint64
	tcpPackets  atomic.Uint64
	filtered    atomic.Uint64
	connections atomic.Uint64
}

// New creates a capture feeding manager
func New(manager *analyzer.Manager, config Config, log logger.Logger) *Capture {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	c := &Capture{
		config:  config,
		manager: manager,
		logger:  log,
	}

	pool := reassembly.NewStreamPool(&streamFactory{capture: c})
	c.assembler = reassembly.NewAssembler(pool)
	c.assembler.MaxBufferedPagesPerConnection = config.MaxBufferedPagesPerConnection

	return c
}

// HandlePacket processes one decoded packet
func (c *Capture) HandlePacket(packet gopacket.Packet) {
	c.packets.Add(1)

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	netLayer := packet.NetworkLayer()
	if tcp == nil || netLayer == nil {
		return
	}
	if !c.config.matches(uint16(tcp.SrcPort), uint16(tcp.DstPort)) {
		c.filtered.Add(1)
		return
	}

	c.tcpPackets.Add(1)
	ci := packet.Metadata().CaptureInfo
	c.assembler.AssembleWithContext(netLayer.NetworkFlow(), tcp, &captureContext{ci: ci})
	c.expire(ci.Timestamp)
}

// expire closes idle connections, at most once per idle period
func (c *Capture) expire(now time.Time) {
	if c.config.IdleTimeout <= 0 || now.IsZero() {
		return
	}
	if c.lastFlush.IsZero() {
		c.lastFlush = now
		return
	}
	if now.Sub(c.lastFlush) < c.config.IdleTimeout {
		return
	}

	flushed, closed := c.assembler.FlushCloseOlderThan(now.Add(-c.config.IdleTimeout))
	c.lastFlush = now
	if flushed > 0 || closed > 0 {
		c.logger.Debug("Capture: flushed %d, closed %d idle connections", flushed, closed)
	}
}

// ReadPcap reads a pcap stream to its end, then flushes every connection.
func (c *Capture) ReadPcap(ctx context.Context, r io.Reader) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "failed to read pcap header")
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions.Lazy = true
	source.DecodeOptions.NoCopy = true

	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return ctx.Err()
		default:
		}

		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			c.logger.Warn("Capture: truncated pcap, stopping after %d packets", c.packets.Load())
			break
		}
		if err != nil {
			c.Flush()
			return errors.Wrapf(err, "failed to read packet %d", c.packets.Load()+1)
		}

		c.HandlePacket(packet)
	}

	c.Flush()
	return nil
}

// Flush delivers any data still held by the TCP reassembler and ends every
// connection. It returns the number of connections closed.
func (c *Capture) Flush() int {
	closed := c.assembler.FlushAll()
	c.manager.Close()
	return closed
}

// Statistics returns packet-level counters
func (c *Capture) Statistics() Stats {
	return Stats{
		Packets:     c.packets.Load(),
		TCPPackets:  c.tcpPackets.Load(),
		Filtered:    c.filtered.Load(),
		Connections: c.connections.Load(),
	}
}
