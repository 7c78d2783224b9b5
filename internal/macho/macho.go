// Package macho builds the single-architecture, statically linked
// Mach-O executable that wraps a compiled program's code buffer, and
// ad-hoc code-signs the result the way Apple Silicon requires before
// the kernel will run it.
//
// The struct layout and the signing algorithm are narrowed from the
// teacher's dynamic-linking, multi-library Mach-O writer down to the
// one shape this compiler ever produces: a single __TEXT segment with
// no imported symbols.
package macho

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	magic64       = 0xfeedfacf
	cpuTypeArm64  = 0x0100000c
	cpuSubtypeAll = 0x00000000
	mhExecute     = 0x2
	mhNoUndefs    = 0x1
	mhPie         = 0x200000

	lcSegment64       = 0x19
	lcSymtab          = 0x2
	lcUUID            = 0x1b
	lcBuildVersion    = 0x32
	lcMain            = 0x80000028
	lcCodeSignature   = 0x1d

	vmProtNone  = 0x0
	vmProtRead  = 0x1
	vmProtWrite = 0x2
	vmProtExec  = 0x4

	sAttrPureInstructions = 0x80000400

	platformMacOS = 1

	pageZeroSize = 0x100000000
	textBase     = pageZeroSize

	pageSize = 0x1000

	csMagicCodeDirectory = 0xfade0c02
	csMagicEmbeddedSig   = 0xfade0cc0
	csAdhoc              = 0x00000002
	csHashTypeSHA256     = 2
	csHashSizeSHA256     = 32
)

type header64 struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type loadCommandHeader struct {
	Cmd     uint32
	CmdSize uint32
}

type segmentCommand64 struct {
	loadCommandHeader
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type entryPointCommand struct {
	loadCommandHeader
	EntryOff uint64
	StackSize uint64
}

type uuidCommand struct {
	loadCommandHeader
	UUID [16]byte
}

type buildVersionCommand struct {
	loadCommandHeader
	Platform  uint32
	MinOS     uint32
	SDK       uint32
	NTools    uint32
}

type symtabCommand struct {
	loadCommandHeader
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

type linkeditDataCommand struct {
	loadCommandHeader
	DataOff  uint32
	DataSize uint32
}

func setName(dst *[16]byte, name string) {
	copy(dst[:], name)
}

// randomUUID fills id with pseudo-random bytes deterministically seeded
// from the code buffer, so repeated builds of identical source produce
// identical (reproducible) output rather than depending on a runtime
// entropy source this package would otherwise need to import.
func randomUUID(seed []byte) [16]byte {
	sum := sha256.Sum256(seed)
	var id [16]byte
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id
}

// Write builds a complete, ad-hoc-signed Mach-O executable around code
// and writes it to w. entry is the byte offset of the program's entry
// point within code, as produced by internal/link.
func Write(w *bytes.Buffer, code []byte, entry uint64, identifier string) error {
	textSegFileOff := uint64(0) // the header/load-commands/code all live in one unsigned region starting at file offset 0
	headerSize := binary.Size(header64{})

	segPageZero := segmentCommand64{
		loadCommandHeader: loadCommandHeader{Cmd: lcSegment64, CmdSize: uint32(binary.Size(segmentCommand64{}))},
		VMAddr:            0,
		VMSize:            pageZeroSize,
		MaxProt:           vmProtNone,
		InitProt:          vmProtNone,
	}
	setName(&segPageZero.SegName, "__PAGEZERO")

	sect := section64{
		Addr:  textBase, // filled in below once layout is known
		Flags: sAttrPureInstructions,
		Align: 2, // 2^2 = 4-byte aligned instructions
	}
	setName(&sect.SectName, "__text")
	setName(&sect.SegName, "__TEXT")

	segText := segmentCommand64{
		loadCommandHeader: loadCommandHeader{Cmd: lcSegment64, CmdSize: uint32(binary.Size(segmentCommand64{}) + binary.Size(section64{}))},
		MaxProt:           vmProtRead | vmProtExec,
		InitProt:          vmProtRead | vmProtExec,
		NSects:            1,
	}
	setName(&segText.SegName, "__TEXT")

	segLinkedit := segmentCommand64{
		loadCommandHeader: loadCommandHeader{Cmd: lcSegment64, CmdSize: uint32(binary.Size(segmentCommand64{}))},
		MaxProt:           vmProtRead,
		InitProt:          vmProtRead,
	}
	setName(&segLinkedit.SegName, "__LINKEDIT")

	symtab := symtabCommand{loadCommandHeader: loadCommandHeader{Cmd: lcSymtab, CmdSize: uint32(binary.Size(symtabCommand{}))}}

	uuid := uuidCommand{loadCommandHeader: loadCommandHeader{Cmd: lcUUID, CmdSize: uint32(binary.Size(uuidCommand{}))}}

	buildVersion := buildVersionCommand{
		loadCommandHeader: loadCommandHeader{Cmd: lcBuildVersion, CmdSize: uint32(binary.Size(buildVersionCommand{}))},
		Platform:          platformMacOS,
		MinOS:             packVersion(11, 0, 0),
		SDK:               packVersion(11, 0, 0),
	}

	main := entryPointCommand{loadCommandHeader: loadCommandHeader{Cmd: lcMain, CmdSize: uint32(binary.Size(entryPointCommand{}))}}

	codeSig := linkeditDataCommand{loadCommandHeader: loadCommandHeader{Cmd: lcCodeSignature, CmdSize: uint32(binary.Size(linkeditDataCommand{}))}}

	const ncmds = 8
	cmdsSize := int(segPageZero.CmdSize) + int(segText.CmdSize) + int(segLinkedit.CmdSize) +
		int(uuid.CmdSize) + int(buildVersion.CmdSize) + int(symtab.CmdSize) + int(main.CmdSize) + int(codeSig.CmdSize)

	codeOffset := uint64(headerSize + cmdsSize)
	codeOffset = align(codeOffset, pageSize)

	segText.VMAddr = textBase
	segText.FileOff = codeOffset
	segText.FileSize = uint64(len(code))
	segText.VMSize = align(uint64(len(code)), pageSize)

	sect.Addr = segText.VMAddr
	sect.Size = uint64(len(code))
	sect.Offset = uint32(codeOffset)

	linkeditFileOff := align(codeOffset+uint64(len(code)), pageSize)
	linkeditVMAddr := align(segText.VMAddr+segText.VMSize, pageSize)

	segLinkedit.VMAddr = linkeditVMAddr
	segLinkedit.FileOff = linkeditFileOff

	symtab.SymOff = uint32(linkeditFileOff)
	symtab.StrOff = uint32(linkeditFileOff)
	symtab.NSyms = 0
	symtab.StrSize = 0

	main.EntryOff = codeOffset + entry - textSegFileOff

	uuid.UUID = randomUUID(code)

	var body bytes.Buffer
	hdr := header64{
		Magic:      magic64,
		CPUType:    cpuTypeArm64,
		CPUSubtype: cpuSubtypeAll,
		FileType:   mhExecute,
		NCmds:      uint32(ncmds),
		SizeOfCmds: uint32(cmdsSize),
		Flags:      mhNoUndefs | mhPie,
	}
	if err := binary.Write(&body, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, cmd := range []any{segPageZero, segText, sect, segLinkedit, uuid, buildVersion, symtab, main, codeSig} {
		if err := binary.Write(&body, binary.LittleEndian, cmd); err != nil {
			return fmt.Errorf("macho: encoding load command: %w", err)
		}
	}

	padTo(&body, int(codeOffset))
	body.Write(code)
	padTo(&body, int(linkeditFileOff))

	sigOffset := body.Len()
	signature := generateCodeSignature(body.Bytes(), identifier)
	body.Write(signature)

	codeSig.DataOff = uint32(sigOffset)
	codeSig.DataSize = uint32(len(signature))
	patchLinkeditDataCommand(&body, headerSize, cmdsSize, codeSig)

	w.Write(body.Bytes())
	return nil
}

// patchLinkeditDataCommand rewrites the already-serialized
// LC_CODE_SIGNATURE command in place now that the signature's size and
// offset are known; the command was written with zero values as a
// placeholder during the first pass since both depend on the total
// file length, which isn't known until the signature itself is built.
func patchLinkeditDataCommand(body *bytes.Buffer, headerSize, cmdsSize int, cmd linkeditDataCommand) {
	offset := headerSize + cmdsSize - binary.Size(linkeditDataCommand{})
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, cmd)
	copy(body.Bytes()[offset:], buf.Bytes())
}

func packVersion(major, minor, patch uint32) uint32 {
	return (major << 16) | (minor << 8) | patch
}

func align(v uint64, to uint64) uint64 {
	if v%to == 0 {
		return v
	}
	return v + (to - v%to)
}

func padTo(buf *bytes.Buffer, target int) {
	for buf.Len() < target {
		buf.WriteByte(0)
	}
}
