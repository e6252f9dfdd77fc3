package mlx5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlSegEncodeParse(t *testing.T) {
	in := &ControlSeg{
		ProducerIndex: 1,
		Opcode:        OpRDMAWrite,
		QPN:           0x12d,
		DS:            3,
		FmCeSe:        CtrlCQUpdate,
	}

	b := make([]byte, ControlSegLen)
	require.NoError(t, in.Encode(b))

	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x08}, b[0:4], "opmod | pi | opcode")
	assert.Equal(t, []byte{0x00, 0x01, 0x2d, 0x03}, b[4:8], "qpn | ds")
	assert.Equal(t, byte(0x08), b[11], "fm_ce_se carries the completion request")
	assert.Equal(t, []byte{0, 0, 0, 0}, b[12:16], "no immediate")

	out := &ControlSeg{}
	require.NoError(t, out.Parse(b))
	assert.Equal(t, in, out)
}

func TestControlSegProducerIndexIs16Bit(t *testing.T) {
	// the control segment only carries the low 16 bits; the full counter
	// wraps independently
	in := &ControlSeg{ProducerIndex: 0xfffe, Opcode: OpSend, QPN: 5, DS: 2}
	b := make([]byte, ControlSegLen)
	require.NoError(t, in.Encode(b))

	out := &ControlSeg{}
	require.NoError(t, out.Parse(b))
	assert.Equal(t, uint16(0xfffe), out.ProducerIndex)
	assert.Equal(t, OpSend, out.Opcode)
}

func TestRemoteAddrSegEncodeParse(t *testing.T) {
	in := &RemoteAddrSeg{RemoteAddr: 0x1122334455667788, RKey: 0x1ff0af}
	b := make([]byte, RemoteAddrSegLen)
	require.NoError(t, in.Encode(b))

	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, b[0:8], "remote address is big endian")
	assert.Equal(t, []byte{0x00, 0x1f, 0xf0, 0xaf}, b[8:12], "rkey is big endian")
	assert.Equal(t, []byte{0, 0, 0, 0}, b[12:16], "reserved word is cleared")

	out := &RemoteAddrSeg{}
	require.NoError(t, out.Parse(b))
	assert.Equal(t, in, out)
}

func TestDataSegEncodeParse(t *testing.T) {
	in := &DataSeg{ByteCount: 4, LKey: 0x1ff0af, LocalAddr: 0x21f490b0}
	b := make([]byte, DataSegLen)
	require.NoError(t, in.Encode(b))

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x04}, b[0:4])
	assert.Equal(t, []byte{0x00, 0x1f, 0xf0, 0xaf}, b[4:8])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x21, 0xf4, 0x90, 0xb0}, b[8:16])

	out := &DataSeg{}
	require.NoError(t, out.Parse(b))
	assert.Equal(t, in, out)
}

func TestSegShortBuffers(t *testing.T) {
	short := make([]byte, SegLen-1)
	assert.ErrorIs(t, (&ControlSeg{}).Encode(short), ErrSegTooShort)
	assert.ErrorIs(t, (&ControlSeg{}).Parse(short), ErrSegTooShort)
	assert.ErrorIs(t, (&RemoteAddrSeg{}).Encode(short), ErrSegTooShort)
	assert.ErrorIs(t, (&DataSeg{}).Parse(short), ErrSegTooShort)
}

func TestOpcodeNames(t *testing.T) {
	assert.Equal(t, map[Opcode]string{
		OpSendInval:    "sendInval",
		OpRDMAWrite:    "rdmaWrite",
		OpRDMAWriteImm: "rdmaWriteImm",
		OpSend:         "send",
		OpSendImm:      "sendImm",
		OpRDMARead:     "rdmaRead",
	}, opcodeMap)

	assert.Equal(t, "unknown", Opcode(0x7f).String())
}
