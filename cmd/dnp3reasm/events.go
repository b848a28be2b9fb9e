package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/app"
	"github.com/mkolkebeck/bro/pkg/channel"
)

// Event describes one reconstructed message
type Event struct {
	Conn      string `codec:"conn"`
	Direction string `codec:"direction"`
	Length    int    `codec:"length"`
	Function  string `codec:"function,omitempty"`
	Sequence  uint8  `codec:"seq"`
	Fir       bool   `codec:"fir"`
	Fin       bool   `codec:"fin"`
	Con       bool   `codec:"con"`
	Uns       bool   `codec:"uns"`
	IIN       string `codec:"iin,omitempty"`
	Error     string `codec:"error,omitempty"`
	Data      string `codec:"data,omitempty"`
}

func newEvent(conn string, isRequest bool, msg []byte, withData bool) *Event {
	ev := &Event{
		Conn:      conn,
		Direction: "response",
		Length:    len(msg),
	}
	if isRequest {
		ev.Direction = "request"
	}
	if withData {
		ev.Data = hex.EncodeToString(msg)
	}

	apdu, err := app.ParseMessage(msg)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	ev.Function = apdu.FunctionCode.String()
	ev.Sequence = apdu.Sequence
	ev.Fir, ev.Fin, ev.Con, ev.Uns = apdu.FIR, apdu.FIN, apdu.CON, apdu.UNS
	if apdu.IsResponse() {
		ev.IIN = apdu.IIN.String()
	}
	return ev
}

// printer writes one line per message, as text or JSON
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	json     bool
	withData bool
	enc      *codec.Encoder
	count    uint64
}

func newPrinter(w io.Writer, json, withData bool) *printer {
	p := &printer{w: w, json: json, withData: withData}
	if json {
		p.enc = codec.NewEncoder(w, &codec.JsonHandle{})
	}
	return p
}

func (p *printer) print(conn string, isRequest bool, msg []byte) {
	ev := newEvent(conn, isRequest, msg, p.withData)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++

	if p.json {
		if err := p.enc.Encode(ev); err == nil {
			io.WriteString(p.w, "\n")
		}
		return
	}

	line := fmt.Sprintf("%s %-8s len=%d", ev.Conn, ev.Direction, ev.Length)
	if ev.Error != "" {
		line += " error=" + ev.Error
	} else {
		line += fmt.Sprintf(" %s seq=%d", ev.Function, ev.Sequence)
		if ev.IIN != "" {
			line += " iin=" + ev.IIN
		}
	}
	if ev.Data != "" {
		line += " data=" + ev.Data
	}
	fmt.Fprintln(p.w, line)
}

// Printed returns the number of messages printed
func (p *printer) Printed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Parser returns an analyzer.Parser printing the messages of connection id
func (p *printer) Parser(id string) analyzer.Parser {
	return &printParser{p: p, id: id}
}

// Envelope prints a relayed message
func (p *printer) Envelope(env *channel.Envelope) {
	p.print(env.Conn, env.IsRequest, env.Message)
}

type printParser struct {
	p  *printer
	id string
}

func (pp *printParser) NewData(isRequest bool, data []byte) {
	pp.p.print(pp.id, isRequest, data)
}

func (pp *printParser) FlowEOF(isOrig bool) {}

// fanout hands every message to several parsers
type fanout []analyzer.Parser

func (f fanout) NewData(isRequest bool, data []byte) {
	for _, p := range f {
		p.NewData(isRequest, data)
	}
}

func (f fanout) FlowEOF(isOrig bool) {
	for _, p := range f {
		p.FlowEOF(isOrig)
	}
}
