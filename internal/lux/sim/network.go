package sim

import (
	"bytes"
	"sync"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// Network is a shared bus segment: every request is offered to every node and
// the replies are returned in node order.
type Network struct {
	mu    sync.Mutex
	nodes []*Node

	partial  []byte
	requests []*wire.Packet
	bad      int

	dropNext       int
	corruptNext    int
	misaddressNext int
}

// NewNetwork returns a segment with the given nodes attached.
func NewNetwork(nodes ...*Node) *Network {
	return &Network{nodes: nodes}
}

// Attach adds a node to the segment.
func (w *Network) Attach(n *Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes = append(w.nodes, n)
}

// DropResponses silently discards the next k replies.
func (w *Network) DropResponses(k int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropNext = k
}

// CorruptResponses damages the CRC of the next k replies.
func (w *Network) CorruptResponses(k int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.corruptNext = k
}

// MisaddressResponses sends the next k replies to a non-host destination.
func (w *Network) MisaddressResponses(k int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.misaddressNext = k
}

// Requests returns the packets decoded from host writes so far.
func (w *Network) Requests() []*wire.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*wire.Packet(nil), w.requests...)
}

// RequestsFor returns the decoded host writes carrying cmd.
func (w *Network) RequestsFor(cmd wire.Command) []*wire.Packet {
	var out []*wire.Packet
	for _, p := range w.Requests() {
		if p.Command == cmd {
			out = append(out, p)
		}
	}
	return out
}

// BadFrames counts host writes that failed to decode.
func (w *Network) BadFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bad
}

// Deliver feeds raw host output into the segment and returns the encoded
// replies, delimiters included. Bytes after the last delimiter are held for
// the next call.
func (w *Network) Deliver(stream []byte) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := append(w.partial, stream...)
	var out []byte
	for {
		idx := bytes.IndexByte(buf, wire.Delimiter)
		if idx < 0 {
			break
		}
		frame := buf[:idx]
		buf = buf[idx+1:]
		if len(frame) == 0 {
			continue
		}
		p, err := wire.Unmarshal(frame)
		if err != nil {
			w.bad++
			continue
		}
		w.requests = append(w.requests, p)
		for _, n := range w.nodes {
			if reply := n.Handle(p); reply != nil {
				out = append(out, w.emit(reply)...)
			}
		}
	}
	w.partial = append([]byte(nil), buf...)
	return out
}

func (w *Network) emit(reply *wire.Packet) []byte {
	switch {
	case w.dropNext > 0:
		w.dropNext--
		return nil

	case w.misaddressNext > 0:
		w.misaddressNext--
		reply.Destination = 0x00C0FFEE

	case w.corruptNext > 0:
		w.corruptNext--
		plain, _, err := reply.Plain()
		if err != nil {
			return nil
		}
		plain[len(plain)-1] ^= 0x5A
		framed, err := wire.EncodeCOBS(plain)
		if err != nil {
			return nil
		}
		return framed
	}

	framed, err := wire.Marshal(reply)
	if err != nil {
		return nil
	}
	return framed
}
