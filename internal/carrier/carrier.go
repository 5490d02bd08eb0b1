// Package carrier classifies eligible direction-bit carrier instructions
// and implements the bit codec that walks a .text byte window in scan,
// write, or read mode.
package carrier

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nullsector/textcarrier/internal/decode"
)

// IsCarrier reports whether instr is eligible to carry one covert bit:
// its opcode is one of the direction-bit ALU/MOV forms (decode's
// OpFlagDirectional), it has a ModR/M byte, and that ModR/M addresses
// two registers (mod == 0b11).
func IsCarrier(instr *decode.Instruction) bool {
	if !instr.Properties.IsDirectional {
		return false
	}
	if !instr.Properties.HasModRM {
		return false
	}
	return instr.ModRM>>6 == 0b11
}

var (
	// ErrDecodeFailure marks a fatal instruction-decode error; see DecodeError.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrClassifierViolation marks a carrier instruction whose ModR/M
	// turned out not to be register-addressing -- a runtime guard that
	// should never fire if the classifier is correct.
	ErrClassifierViolation = errors.New("classifier violation")
)

// DecodeError reports a fatal decode failure at a byte offset relative to
// the start of .text.
type DecodeError struct {
	Offset int
	Cause  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure at .text+0x%x: %v", e.Offset, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecodeFailure }

// ScanResult is the outcome of a scan-mode pass.
type ScanResult struct {
	TotalInstructions   int
	CarrierInstructions int
	// MnemonicCounts tallies carrier instructions by mnemonic.
	MnemonicCounts map[string]int
}

// BytesAvailable is the scan/write capacity in bytes (carriers / 8).
func (r ScanResult) BytesAvailable() int { return r.CarrierInstructions / 8 }

// Percent is the integer percentage of instructions that are carriers.
func (r ScanResult) Percent() int {
	if r.TotalInstructions == 0 {
		return 0
	}
	return (r.CarrierInstructions * 100) / r.TotalInstructions
}

// WriteResult is the outcome of a write-mode pass.
type WriteResult struct {
	BitsWritten int
	// CapacityExhausted is true when .text ran out while the input
	// stream still had unread bits (the CapacityShortfall warning case).
	CapacityExhausted bool
}

// ReadResult is the outcome of a read-mode pass.
type ReadResult struct {
	BitsExtracted int
}

// Codec walks a .text byte window performing scan, write, or read passes.
type Codec struct {
	mode64 bool
	log    *logrus.Entry
}

// NewCodec builds a Codec for the given machine bitness. log may be nil.
func NewCodec(mode64 bool, log *logrus.Entry) *Codec {
	return &Codec{mode64: mode64, log: log}
}

func (c *Codec) warnf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}

// Scan walks text counting total and carrier instructions without
// mutating anything.
func (c *Codec) Scan(text []byte) (ScanResult, error) {
	res := ScanResult{MnemonicCounts: make(map[string]int)}
	offset := 0

	for offset < len(text) {
		instr, err := decode.Disassemble(text, offset, c.mode64)
		if err != nil {
			return res, &DecodeError{Offset: offset, Cause: err}
		}

		res.TotalInstructions++
		if IsCarrier(instr) {
			res.CarrierInstructions++
			res.MnemonicCounts[instr.Mnemonic()]++
		}

		offset += int(instr.Length)
	}

	return res, nil
}

// Write walks text, reading one bit per carrier instruction from input
// and rewriting the carrier's direction bit (and, when required, its
// ModR/M and REX bytes) to match. It stops as soon as input runs out
// (InputShortfall, normal termination) or .text is exhausted
// (possibly leaving unread input -- CapacityShortfall, reported in the
// returned WriteResult).
func (c *Codec) Write(text []byte, input io.Reader) (WriteResult, error) {
	var res WriteResult
	br := NewBitReader(input)
	offset := 0

	for offset < len(text) {
		instr, err := decode.Disassemble(text, offset, c.mode64)
		if err != nil {
			return res, &DecodeError{Offset: offset, Cause: err}
		}

		if IsCarrier(instr) {
			bit, ok := br.Next()
			if !ok {
				return res, nil
			}

			instrBytes := text[offset : offset+int(instr.Length)]
			if err := c.rewrite(instrBytes, instr, bit); err != nil {
				if !errors.Is(err, ErrClassifierViolation) {
					return res, err
				}
				c.warnf("skipping carrier at .text+0x%x: %v", offset, err)
			} else {
				res.BitsWritten++
			}
		}

		offset += int(instr.Length)
	}

	if _, ok := br.Next(); ok {
		res.CapacityExhausted = true
	}

	return res, nil
}

// Read walks text extracting one bit per carrier instruction's direction
// bit to output, LSB-first, stopping after requestedBits bits (or when
// .text is exhausted if requestedBits is 0).
func (c *Codec) Read(text []byte, requestedBits int, output io.Writer) (ReadResult, error) {
	var res ReadResult
	bw := NewBitWriter(output)
	untilExhausted := requestedBits == 0
	offset := 0

	for offset < len(text) {
		if !untilExhausted && res.BitsExtracted >= requestedBits {
			break
		}

		instr, err := decode.Disassemble(text, offset, c.mode64)
		if err != nil {
			return res, &DecodeError{Offset: offset, Cause: err}
		}

		if IsCarrier(instr) {
			modrm := text[offset+instr.ModRMOffset]
			if modrm>>6 != 0b11 {
				c.warnf("skipping carrier at .text+0x%x: %v", offset,
					fmt.Errorf("%w: modrm 0x%02x is not register-addressing", ErrClassifierViolation, modrm))
			} else {
				opcode := text[offset+instr.OpcodeOffset]
				dBit := int((opcode >> 1) & 1)
				bw.Push(dBit)
				res.BitsExtracted++
			}
		}

		offset += int(instr.Length)
	}

	return res, nil
}

// rewrite applies the direction-bit rewrite rule to a single carrier
// instruction's bytes in place. b is the instruction's own byte slice
// (offsets are relative to b's start, matching instr.OpcodeOffset/
// ModRMOffset). Returns nil without touching b when the carrier already
// represents target.
func (c *Codec) rewrite(b []byte, instr *decode.Instruction, target int) error {
	opcodeOff := instr.OpcodeOffset
	modrmOff := instr.ModRMOffset

	opcode := b[opcodeOff]
	modrm := b[modrmOff]

	curBit := int((opcode >> 1) & 1)
	if curBit == target {
		return nil
	}

	if modrm>>6 != 0b11 {
		return fmt.Errorf("%w: modrm 0x%02x is not register-addressing", ErrClassifierViolation, modrm)
	}

	opcode ^= 0x02

	reg := (modrm >> 3) & 0x7
	rm := modrm & 0x7
	modrm = (modrm & 0xC0) | (rm << 3) | reg

	if instr.Properties.HasREX && instr.RexR() != instr.RexB() {
		rexOff := opcodeOff - 1
		b[rexOff] ^= 0x05
	}

	b[opcodeOff] = opcode
	b[modrmOff] = modrm

	return nil
}
