package decode

/*
 * x86/x64 instruction-length decoder.
 *
 * Decodes just enough of an instruction's encoding to know its total
 * length and the byte offsets of its opcode and ModRM byte. Does not
 * build a full semantic model (no operand value decoding) since nothing
 * downstream needs one.
 */

// Instruction represents a parsed x86/x64 instruction
type Instruction struct {
	// Basic properties
	Length uint8 // Total instruction length in bytes
	Valid  bool  // Whether the instruction was successfully parsed

	// Opcode information
	Opcode  uint8 // Primary opcode byte
	Opcode2 uint8 // Secondary opcode (for 0x0F two-byte opcodes)

	// Prefix information
	Prefixes  []byte // All prefix bytes encountered
	REXPrefix uint8  // REX prefix (x64 only)

	// Instruction components
	ModRM uint8 // MODRM byte (if present)
	SIB   uint8 // SIB byte (if present)

	// Byte offsets (relative to the start of this instruction) of the
	// nominal opcode and ModRM byte. Set to -1 when not present.
	OpcodeOffset int
	ModRMOffset  int

	// Operand data
	Displacement []byte // Displacement/offset bytes
	Immediate    []byte // Immediate operand bytes

	// Flags for instruction properties
	Properties InstructionProperties
}

// RexR reports whether the REX.R extension bit is set (extends ModRM.reg).
func (i *Instruction) RexR() bool {
	return i.Properties.HasREX && i.REXPrefix&0x04 != 0
}

// RexB reports whether the REX.B extension bit is set (extends ModRM.rm).
func (i *Instruction) RexB() bool {
	return i.Properties.HasREX && i.REXPrefix&0x01 != 0
}

// Mnemonic returns the opcode table's mnemonic string for this instruction.
func (i *Instruction) Mnemonic() string {
	if i.Properties.IsTwoByteOpcode {
		return GetOpcodeInfo(i.Opcode2, true).Mnemonic
	}
	return GetOpcodeInfo(i.Opcode, false).Mnemonic
}

// InstructionProperties holds boolean flags about the instruction
type InstructionProperties struct {
	// Component presence flags
	HasModRM        bool
	HasSIB          bool
	HasDisplacement bool
	HasImmediate    bool

	// Prefix flags
	HasREX           bool // x64 REX prefix
	Has66Prefix      bool // Operand size override
	Has67Prefix      bool // Address size override
	HasSegmentPrefix bool
	HasREPPrefix     bool
	HasLockPrefix    bool

	// Opcode type flags
	IsTwoByteOpcode bool // 0x0F prefix
	IsRelativeJump  bool // JMP/JXX/CALL with relative offset
	IsDirectional   bool // ModRM two-GPR-register direction-bit carrier opcode

	// Size information
	DisplacementSize uint8 // 0, 1, 2, 4, or 8 bytes
	ImmediateSize    uint8 // 0, 1, 2, 4, or 8 bytes
}

// PrefixType categorizes instruction prefixes
type PrefixType uint8

const (
	PrefixTypeNone PrefixType = iota
	PrefixTypeSegment
	PrefixTypeRepeat
	PrefixTypeLock
	PrefixTypeOperandSize
	PrefixTypeAddressSize
	PrefixTypeREX
)

// PrefixInfo maps prefix bytes to their types and properties
type PrefixInfo struct {
	Byte byte
	Type PrefixType
	Name string
}

// Common x86/x64 prefixes
var knownPrefixes = []PrefixInfo{
	// Segment override prefixes
	{0x26, PrefixTypeSegment, "ES"},
	{0x2E, PrefixTypeSegment, "CS"},
	{0x36, PrefixTypeSegment, "SS"},
	{0x3E, PrefixTypeSegment, "DS"},
	{0x64, PrefixTypeSegment, "FS"},
	{0x65, PrefixTypeSegment, "GS"},

	// Repeat prefixes
	{0xF2, PrefixTypeRepeat, "REPNE"},
	{0xF3, PrefixTypeRepeat, "REP"},

	// Lock prefix
	{0xF0, PrefixTypeLock, "LOCK"},

	// Size override prefixes
	{0x66, PrefixTypeOperandSize, "OPSIZE"},
	{0x67, PrefixTypeAddressSize, "ADDRSIZE"},
}

// IsPrefix checks if a byte is a valid instruction prefix
var prefixMap = buildPrefixMap()

func buildPrefixMap() map[byte]PrefixType {
	m := make(map[byte]PrefixType)
	for _, p := range knownPrefixes {
		m[p.Byte] = p.Type
	}
	return m
}

func IsPrefix(b byte) bool {
	// Check standard prefixes
	if _, ok := prefixMap[b]; ok {
		return true
	}

	// Check REX prefix range (x64: 0x40-0x4F)
	if b >= 0x40 && b <= 0x4F {
		return true
	}

	return false
}

// GetPrefixType returns the type of a prefix byte
func GetPrefixType(b byte) PrefixType {
	if pType, ok := prefixMap[b]; ok {
		return pType
	}

	if b >= 0x40 && b <= 0x4F {
		return PrefixTypeREX
	}

	return PrefixTypeNone
}

// NewInstruction creates a new empty instruction
func NewInstruction() *Instruction {
	return &Instruction{
		Valid:        false,
		Prefixes:     make([]byte, 0, 4), // Pre-allocate for common case
		Displacement: make([]byte, 0, 8),
		Immediate:    make([]byte, 0, 8),
		OpcodeOffset: -1,
		ModRMOffset:  -1,
		Properties:   InstructionProperties{},
	}
}

// Reset clears the instruction for reuse
func (i *Instruction) Reset() {
	i.Length = 0
	i.Valid = false
	i.Opcode = 0
	i.Opcode2 = 0
	i.Prefixes = i.Prefixes[:0]
	i.REXPrefix = 0
	i.ModRM = 0
	i.SIB = 0
	i.OpcodeOffset = -1
	i.ModRMOffset = -1
	i.Displacement = i.Displacement[:0]
	i.Immediate = i.Immediate[:0]
	i.Properties = InstructionProperties{}
}

// DisassemblyError represents errors during disassembly
type DisassemblyError struct {
	Offset  int
	Message string
}

func (e *DisassemblyError) Error() string {
	return e.Message
}

// NewDisassemblyError creates a new disassembly error carrying the offset.
func NewDisassemblyError(offset int, message string) *DisassemblyError {
	return &DisassemblyError{
		Offset:  offset,
		Message: message,
	}
}
