package wire

import (
	"errors"
	"fmt"
)

const (
	// MaxPayloadSize is the largest payload a single packet may carry.
	MaxPayloadSize = 1024
	// MaxFrameSize bounds both the plain buffer handed to the COBS encoder and
	// the transport's working buffer for an encoded frame.
	MaxFrameSize = 2048
	// Delimiter terminates every encoded frame on the wire.
	Delimiter byte = 0x00
)

var (
	// ErrMalformed is returned when a frame cannot be decoded into a packet.
	ErrMalformed = errors.New("malformed frame")
	// ErrBadCRC is returned when a decoded frame fails the CRC residue check.
	ErrBadCRC = errors.New("bad frame crc")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrFrameTooLarge is returned when a buffer exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// EncodeCOBS stuffs plain with Consistent Overhead Byte Stuffing and appends
// the zero delimiter. The result contains no zero byte except the last.
func EncodeCOBS(plain []byte) ([]byte, error) {
	if len(plain) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(plain), MaxFrameSize)
	}

	out := make([]byte, 1, len(plain)+len(plain)/254+2)
	codeIdx := 0
	code := byte(1)
	for _, b := range plain {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return append(out, Delimiter), nil
}

// DecodeCOBS reverses EncodeCOBS. framed must not include the trailing
// delimiter.
func DecodeCOBS(framed []byte) ([]byte, error) {
	if len(framed) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(framed), MaxFrameSize)
	}

	out := make([]byte, 0, len(framed))
	// total is the length of the current block including its code byte; ctr
	// counts how much of it has been consumed.
	total, ctr := 0xFF, 0xFF
	for i, b := range framed {
		if b == 0 {
			return nil, fmt.Errorf("%w: zero byte at offset %d", ErrMalformed, i)
		}
		if ctr == total {
			if total < 0xFF {
				out = append(out, 0)
			}
			total = int(b)
			ctr = 1
			continue
		}
		out = append(out, b)
		ctr++
	}
	if ctr != total {
		return nil, fmt.Errorf("%w: truncated block (%d of %d bytes)", ErrMalformed, ctr, total)
	}
	return out, nil
}
