package wire

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_KnownVector(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(0xCBF43926), Checksum([]byte("123456789")))
}

func TestChecksum_Residue(t *testing.T) {
	t.Parallel()

	buf := AppendCRC([]byte("123456789"))
	assert.Equal(t, []byte{0x26, 0x39, 0xF4, 0xCB}, buf[9:])
	assert.Equal(t, CRCResidue, Checksum(buf))
	assert.True(t, VerifyCRC(buf))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 64; i++ {
		buf := AppendCRC(randomBuffer(rng, rng.Intn(MaxPayloadSize), true))
		require.Equal(t, CRCResidue, Checksum(buf))
	}
}

func TestMarshal_Layout(t *testing.T) {
	t.Parallel()

	p := &Packet{
		Destination: 0x12345678,
		Command:     CmdSetLength,
		Index:       7,
		Payload:     []byte{0x32, 0x00},
	}
	framed, err := Marshal(p)
	require.NoError(t, err)

	plain, err := DecodeCOBS(framed[:len(framed)-1])
	require.NoError(t, err)
	require.Len(t, plain, MinPacketSize+2)

	assert.Equal(t, uint32(0x12345678), binary.LittleEndian.Uint32(plain[0:4]))
	assert.Equal(t, byte(0x9C), plain[4])
	assert.Equal(t, byte(7), plain[5])
	assert.Equal(t, []byte{0x32, 0x00}, plain[6:8])
	assert.Equal(t, Checksum(plain[:8]), p.CRC)
	assert.Equal(t, p.CRC, binary.LittleEndian.Uint32(plain[8:]))
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Packet
	}{
		{"empty payload", Packet{Destination: 1, Command: CmdGetLength}},
		{"broadcast sync", Packet{Destination: BroadcastAddress, Command: CmdSync}},
		{"frame", Packet{Destination: 0x80000000, Command: CmdFrame, Payload: make([]byte, 900)}},
		{"max payload", Packet{Destination: 0xDEADBEEF, Command: CmdFlashWrite, Index: 3, Payload: make([]byte, MaxPayloadSize)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := tt.p
			framed, err := Marshal(&p)
			require.NoError(t, err)

			got, err := Unmarshal(framed[:len(framed)-1])
			require.NoError(t, err)
			if diff := cmp.Diff(&p, got); diff != "" {
				t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMarshal_PayloadTooLarge(t *testing.T) {
	t.Parallel()
	p := &Packet{Destination: 1, Command: CmdFrame, Payload: make([]byte, MaxPayloadSize+1)}
	_, err := Marshal(p)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, p.CRC)
}

func TestUnmarshal_Short(t *testing.T) {
	t.Parallel()

	// Eight bytes with a valid trailing CRC are still too short for a header.
	plain := AppendCRC([]byte{0x00, 0x00, 0x00, 0x00})
	framed, err := EncodeCOBS(plain)
	require.NoError(t, err)

	_, err = Unmarshal(framed[:len(framed)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshal_BadCRC(t *testing.T) {
	t.Parallel()

	plain, _, err := (&Packet{Command: CmdGetLength, Payload: []byte{0x32, 0x00}}).Plain()
	require.NoError(t, err)
	plain[6] ^= 0x01
	framed, err := EncodeCOBS(plain)
	require.NoError(t, err)

	_, err = Unmarshal(framed[:len(framed)-1])
	assert.ErrorIs(t, err, ErrBadCRC)
}

func TestUnmarshal_SingleBitFlipRejected(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 16; trial++ {
		p := &Packet{
			Destination: rng.Uint32(),
			Command:     Command(rng.Intn(256)),
			Index:       uint8(rng.Intn(256)),
			Payload:     randomBuffer(rng, rng.Intn(64), true),
		}
		framed, err := Marshal(p)
		require.NoError(t, err)
		body := framed[:len(framed)-1]

		for i := range body {
			for bit := 0; bit < 8; bit++ {
				corrupt := append([]byte(nil), body...)
				corrupt[i] ^= 1 << bit
				_, err := Unmarshal(corrupt)
				require.Error(t, err, "trial %d: flip of bit %d in byte %d accepted", trial, bit, i)
			}
		}
	}
}

func TestCommand_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "GET_LENGTH", CmdGetLength.String())
	assert.Equal(t, "FRAME", CmdFrame.String())
	assert.Equal(t, "CMD(0x42)", Command(0x42).String())
	assert.True(t, CmdSync.Known())
	assert.False(t, Command(0x42).Known())
}
