package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/link"
)

// captureContext carries packet metadata through the assembler
type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo {
	return c.ci
}

// streamFactory creates one stream per TCP connection, bound to the
// connection's analyzer.
type streamFactory struct {
	capture *Capture
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow, tcp *layers.TCP, ac reassembly.AssemblerContext) reassembly.Stream {
	c := f.capture

	// The first packet seen may come from the outstation when the capture
	// starts mid-connection.
	srcPort, dstPort := uint16(tcp.SrcPort), uint16(tcp.DstPort)
	reversed := c.config.isServerPort(srcPort) && !c.config.isServerPort(dstPort)
	if reversed {
		netFlow = netFlow.Reverse()
		srcPort, dstPort = dstPort, srcPort
	}

	id := fmt.Sprintf("%s:%d-%s:%d", netFlow.Src(), srcPort, netFlow.Dst(), dstPort)
	c.connections.Add(1)
	c.logger.Debug("Capture: new connection %s", id)

	return &stream{
		id:       id,
		capture:  c,
		analyzer: c.manager.GetOrCreate(id),
		reversed: reversed,
	}
}

// stream feeds the reassembled bytes of both halves of a connection to
// its analyzer.
type stream struct {
	id       string
	capture  *Capture
	analyzer *analyzer.Analyzer
	reversed bool

	// bytes delivered per direction, originator first
	offset [2]int
}

func (s *stream) Accept(tcp *layers.TCP, ci gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, nextSeq reassembly.Sequence, start *bool, ac reassembly.AssemblerContext) bool {
	// Captures rarely hold the handshake of long-lived DNP3 sessions
	*start = true
	return true
}

func (s *stream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	dir, _, end, skip := sg.Info()
	orig := s.isOrig(dir)
	idx := 1
	if orig {
		idx = 0
	}

	if skip > 0 {
		s.analyzer.Undelivered(s.offset[idx], skip, orig)
		s.offset[idx] += skip
	}

	if length, _ := sg.Lengths(); length > 0 {
		data := sg.Fetch(length)
		s.offset[idx] += length
		s.deliver(orig, data)
	}

	// FIN or RST closed this half
	if end {
		s.analyzer.EndpointEOF(orig)
	}
}

func (s *stream) deliver(orig bool, data []byte) {
	if s.capture.config.SplitFrames {
		if frames := link.SplitFrames(data); len(frames) > 1 {
			for _, frame := range frames {
				s.analyzer.DeliverStream(orig, frame)
			}
			return
		}
	}
	s.analyzer.DeliverStream(orig, data)
}

func (s *stream) ReassemblyComplete(ac reassembly.AssemblerContext) bool {
	s.capture.manager.Remove(s.id)
	s.capture.logger.Debug("Capture: connection %s complete", s.id)
	return true
}

func (s *stream) isOrig(dir reassembly.TCPFlowDirection) bool {
	return (dir == reassembly.TCPDirClientToServer) != s.reversed
}
