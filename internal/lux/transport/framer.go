package transport

import (
	"bytes"
	"time"

	"github.com/banshee-data/lux/internal/lux/wire"
)

// readFunc reads whatever input is available before deadline. It returns
// (0, nil) when the deadline passes without input.
type readFunc func(p []byte, deadline time.Time) (int, error)

// framer splits a byte stream on the frame delimiter. Bytes that follow a
// delimiter in one read are held until the next ReadFrame or reset.
type framer struct {
	chunk   [wire.MaxFrameSize]byte
	pending []byte
	frame   []byte
	now     func() time.Time
}

func newFramer() *framer {
	return &framer{
		frame: make([]byte, 0, wire.MaxFrameSize),
		now:   time.Now,
	}
}

func (f *framer) reset() {
	f.pending = nil
	f.frame = f.frame[:0]
}

func (f *framer) buffered() int {
	return len(f.pending)
}

// readFrame returns the next non-empty frame. A partial frame left over by a
// timeout is discarded.
func (f *framer) readFrame(timeout time.Duration, read readFunc) ([]byte, error) {
	deadline := f.now().Add(timeout)
	f.frame = f.frame[:0]

	for {
		for len(f.pending) > 0 {
			idx := bytes.IndexByte(f.pending, wire.Delimiter)
			if idx < 0 {
				if len(f.frame)+len(f.pending) >= wire.MaxFrameSize {
					f.reset()
					return nil, ErrOverrun
				}
				f.frame = append(f.frame, f.pending...)
				f.pending = nil
				break
			}

			if len(f.frame)+idx >= wire.MaxFrameSize {
				f.frame = f.frame[:0]
				f.pending = f.pending[idx+1:]
				return nil, ErrOverrun
			}
			f.frame = append(f.frame, f.pending[:idx]...)
			f.pending = f.pending[idx+1:]
			if len(f.frame) == 0 {
				// Back-to-back delimiters carry no frame.
				continue
			}
			out := make([]byte, len(f.frame))
			copy(out, f.frame)
			f.frame = f.frame[:0]
			return out, nil
		}

		if !f.now().Before(deadline) {
			f.frame = f.frame[:0]
			return nil, ErrTimeout
		}

		n, err := read(f.chunk[:], deadline)
		if err != nil {
			f.frame = f.frame[:0]
			return nil, err
		}
		f.pending = f.chunk[:n]
	}
}
