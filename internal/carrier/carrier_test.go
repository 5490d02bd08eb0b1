package carrier

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullsector/textcarrier/internal/decode"
)

func eligibleMovRegReg() []byte {
	return []byte{0x89, 0xC0} // MOV EAX, EAX (32-bit, no REX)
}

// S1: one eligible MOV rax, rbx plus nine ineligible NOPs.
func TestScenarioS1ScanCounts(t *testing.T) {
	text := append([]byte{0x48, 0x89, 0xD8}, // REX.W + MOV: MOV RAX, RBX (64-bit)
		bytes.Repeat([]byte{0x90}, 9)...) // 9x NOP

	codec := NewCodec(true, nil)
	res, err := codec.Scan(text)
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalInstructions)
	assert.Equal(t, 1, res.CarrierInstructions)
	assert.Equal(t, 10, res.Percent())
	assert.Equal(t, 0, res.BytesAvailable())
}

// S2/S3: write 0x55 into 8 carriers, then read it back.
func TestScenarioS2S3WriteThenRead(t *testing.T) {
	text := make([]byte, 0, 16)
	for i := 0; i < 8; i++ {
		text = append(text, eligibleMovRegReg()...)
	}

	codec := NewCodec(false, nil)
	wres, err := codec.Write(text, bytes.NewReader([]byte{0x55}))
	require.NoError(t, err)
	assert.Equal(t, 8, wres.BitsWritten)
	assert.False(t, wres.CapacityExhausted)

	// direction bits in order should read 1,0,1,0,1,0,1,0 (LSB-first of 0x55)
	expectedBits := []int{1, 0, 1, 0, 1, 0, 1, 0}
	for i, want := range expectedBits {
		opcode := text[i*2]
		got := int((opcode >> 1) & 1)
		assert.Equalf(t, want, got, "carrier %d direction bit", i)
	}

	var out bytes.Buffer
	rres, err := codec.Read(text, 8, &out)
	require.NoError(t, err)
	assert.Equal(t, 8, rres.BitsExtracted)
	assert.Equal(t, []byte{0x55}, out.Bytes())
}

// S4: ADD r8d, r9d (REX.R=1, REX.B=1): flipping leaves REX untouched
// since REX.R == REX.B.
func TestScenarioS4RexRAndBEqualNoRexFlip(t *testing.T) {
	b := []byte{0x45, 0x03, 0xC1} // REX.R=1,B=1; ADD r32,r/m32 (dir=1); modrm reg=0,rm=1

	instr, err := decode.Disassemble(b, 0, true)
	require.NoError(t, err)
	require.True(t, IsCarrier(instr))

	codec := NewCodec(true, nil)
	require.NoError(t, codec.rewrite(b, instr, 0))

	assert.Equal(t, byte(0x45), b[0], "REX must be unchanged when REX.R == REX.B")
	assert.Equal(t, byte(0x01), b[1])
	assert.Equal(t, byte(0xC8), b[2])
}

// S5: MOV rax, r8 (REX.R=1, REX.B=0): flipping also XORs REX with 0x05.
func TestScenarioS5RexRAndBDifferFlipsRex(t *testing.T) {
	b := []byte{0x4C, 0x89, 0xC0} // REX.W+R=1,B=0; MOV r/m,reg (dir=0); modrm reg=0,rm=0

	instr, err := decode.Disassemble(b, 0, true)
	require.NoError(t, err)
	require.True(t, IsCarrier(instr))

	codec := NewCodec(true, nil)
	require.NoError(t, codec.rewrite(b, instr, 1))

	assert.Equal(t, byte(0x49), b[0], "REX must be XORed with 0x05 when REX.R != REX.B")
	assert.Equal(t, byte(0x8B), b[1])
	assert.Equal(t, byte(0xC0), b[2])
}

// S6: payload longer than capacity -- capacity runs out first, warning case.
func TestScenarioS6CapacityShorterThanInput(t *testing.T) {
	text := make([]byte, 0, 16)
	for i := 0; i < 8; i++ {
		text = append(text, eligibleMovRegReg()...)
	}

	codec := NewCodec(false, nil)
	res, err := codec.Write(text, bytes.NewReader([]byte{0x55, 0xFF}))
	require.NoError(t, err)

	assert.Equal(t, 8, res.BitsWritten)
	assert.True(t, res.CapacityExhausted, "expected CapacityShortfall warning case")
}

// Property: round-trip -- extracting a written payload reproduces it.
func TestPropertyRoundTrip(t *testing.T) {
	text := make([]byte, 0, 48)
	for i := 0; i < 24; i++ {
		text = append(text, eligibleMovRegReg()...)
	}

	payload := []byte{0x01, 0x02, 0x03}
	codec := NewCodec(false, nil)

	wres, err := codec.Write(text, bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, len(payload)*8, wres.BitsWritten)

	var out bytes.Buffer
	_, err = codec.Read(text, len(payload)*8, &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
}

// Property: semantic invariance -- mnemonic is unchanged by the rewrite.
func TestPropertySemanticInvariance(t *testing.T) {
	b := []byte{0x89, 0xD8} // MOV EAX, EBX
	before, err := decode.Disassemble(b, 0, false)
	require.NoError(t, err)
	mnemonicBefore := before.Mnemonic()

	codec := NewCodec(false, nil)
	require.NoError(t, codec.rewrite(b, before, 1))

	after, err := decode.Disassemble(b, 0, false)
	require.NoError(t, err)
	assert.Equal(t, mnemonicBefore, after.Mnemonic())
	assert.Equal(t, before.Length, after.Length)
}

// Property: non-carrier bytes are untouched by a write pass.
func TestPropertyNonCarrierBytesUnchanged(t *testing.T) {
	nop := []byte{0x90, 0x90, 0x90}
	carrier := eligibleMovRegReg()
	text := append(append(append([]byte{}, nop...), carrier...), nop...)

	codec := NewCodec(false, nil)
	_, err := codec.Write(text, bytes.NewReader([]byte{0xFF}))
	require.NoError(t, err)

	assert.Equal(t, nop, text[:3])
	assert.Equal(t, nop, text[len(text)-3:])
}

// Property: idempotence of scan.
func TestPropertyScanIdempotent(t *testing.T) {
	text := append([]byte{0x48, 0x89, 0xD8}, bytes.Repeat([]byte{0x90}, 5)...)
	codec := NewCodec(true, nil)

	r1, err := codec.Scan(text)
	require.NoError(t, err)
	r2, err := codec.Scan(text)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
}

// Property: read-write consistency -- capacity is unchanged by a write pass.
func TestPropertyReadWriteConsistency(t *testing.T) {
	text := make([]byte, 0, 16)
	for i := 0; i < 4; i++ {
		text = append(text, eligibleMovRegReg()...)
	}

	codec := NewCodec(false, nil)
	before, err := codec.Scan(text)
	require.NoError(t, err)

	_, err = codec.Write(text, bytes.NewReader([]byte{0xAA}))
	require.NoError(t, err)

	after, err := codec.Scan(text)
	require.NoError(t, err)

	assert.Equal(t, before.CarrierInstructions, after.CarrierInstructions)
	assert.Equal(t, before.TotalInstructions, after.TotalInstructions)
}

// Property: capacity bound -- bits written never exceeds carrier count.
func TestPropertyCapacityBound(t *testing.T) {
	text := make([]byte, 0, 16)
	for i := 0; i < 4; i++ {
		text = append(text, eligibleMovRegReg()...)
	}

	codec := NewCodec(false, nil)
	scan, err := codec.Scan(text)
	require.NoError(t, err)

	wres, err := codec.Write(text, bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	require.NoError(t, err)

	assert.LessOrEqual(t, wres.BitsWritten, scan.CarrierInstructions)
}

func TestIsCarrierRejectsMemoryOperand(t *testing.T) {
	b := []byte{0x89, 0x18} // MOV [EAX], EBX -- mod=00, not register addressing
	instr, err := decode.Disassemble(b, 0, false)
	require.NoError(t, err)
	assert.False(t, IsCarrier(instr))
}

func TestIsCarrierRejectsNonDirectionalOpcode(t *testing.T) {
	nc := []byte{0xFF, 0xC0} // INC EAX (GRP5) -- not a direction-bit opcode
	instr, err := decode.Disassemble(nc, 0, false)
	require.NoError(t, err)
	assert.False(t, IsCarrier(instr))
}

// Segment-register MOV (0x8C/0x8E) shares the "MOV" mnemonic with the
// carrier-eligible 0x88-0x8B forms but moves a segment register through
// ModRM.reg, not a GPR, so it must not be treated as a carrier.
func TestIsCarrierRejectsSegmentMov(t *testing.T) {
	toSeg := []byte{0x8C, 0xC0}   // MOV EAX, ES -- mod=11 (register-direct)
	fromSeg := []byte{0x8E, 0xC0} // MOV ES, EAX -- mod=11 (register-direct)

	for _, b := range [][]byte{toSeg, fromSeg} {
		instr, err := decode.Disassemble(b, 0, false)
		require.NoError(t, err)
		assert.False(t, IsCarrier(instr))
	}
}

func TestDecodeErrorWrapsSentinel(t *testing.T) {
	codec := NewCodec(false, nil)
	_, err := codec.Scan([]byte{0x0F}) // truncated two-byte opcode
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrDecodeFailure)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0, de.Offset)
}
