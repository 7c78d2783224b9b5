package arm64

import "fmt"

// Each encoder below accepts strongly-typed registers and bounded integer
// types; values outside their stated range are programmer errors, as
// spec §4.3 requires, so they panic rather than return an error.

func requireU(name string, v, max uint32) {
	if v > max {
		panic(fmt.Sprintf("arm64: %s out of range: %d (max %d)", name, v, max))
	}
}

func requireS(name string, v, min, max int32) {
	if v < min || v > max {
		panic(fmt.Sprintf("arm64: %s out of range: %d (must be in [%d, %d])", name, v, min, max))
	}
}

// Movz encodes "movz dest, #imm, lsl #shift" (move wide with zero).
// shift must be one of 0, 16, 32, 48.
func Movz(dest Register, imm uint16, shift uint8) uint32 {
	var hw uint32
	switch shift {
	case 0:
		hw = 0
	case 16:
		hw = 1
	case 32:
		hw = 2
	case 48:
		hw = 3
	default:
		panic(fmt.Sprintf("arm64: invalid MOVZ shift: %d", shift))
	}
	return 0xd2800000 | (hw << 21) | (uint32(imm) << 5) | uint32(dest)
}

// MovzImm64 encodes the minimal MOVZ/MOVK sequence needed to materialize
// an arbitrary 64-bit immediate into dest, returning one to four
// instruction words.
func MovzImm64(dest Register, imm int64) []uint32 {
	u := uint64(imm)
	var words []uint32
	words = append(words, Movz(dest, uint16(u&0xffff), 0))
	for shift := uint8(16); shift <= 48; shift += 16 {
		chunk := uint16((u >> shift) & 0xffff)
		if chunk != 0 {
			words = append(words, Movk(dest, chunk, shift))
		}
	}
	return words
}

// Movk encodes "movk dest, #imm, lsl #shift" (move wide with keep).
func Movk(dest Register, imm uint16, shift uint8) uint32 {
	var hw uint32
	switch shift {
	case 0:
		hw = 0
	case 16:
		hw = 1
	case 32:
		hw = 2
	case 48:
		hw = 3
	default:
		panic(fmt.Sprintf("arm64: invalid MOVK shift: %d", shift))
	}
	return 0xf2800000 | (hw << 21) | (uint32(imm) << 5) | uint32(dest)
}

// MovReg encodes "mov dest, src" as the canonical alias "orr dest, xzr, src".
func MovReg(dest, src Register) uint32 {
	return 0xaa0003e0 | (uint32(src) << 16) | uint32(dest)
}

// AddImm encodes "add dest, src, #imm" (imm fits in 12 unsigned bits).
func AddImm(dest, src Register, imm uint32) uint32 {
	requireU("ADD immediate", imm, 0xfff)
	return 0x91000000 | (imm << 10) | (uint32(src) << 5) | uint32(dest)
}

// AddReg encodes "add dest, a, b".
func AddReg(dest, a, b Register) uint32 {
	return 0x8b000000 | (uint32(b) << 16) | (uint32(a) << 5) | uint32(dest)
}

// SubImm encodes "sub dest, src, #imm" (imm fits in 12 unsigned bits).
func SubImm(dest, src Register, imm uint32) uint32 {
	requireU("SUB immediate", imm, 0xfff)
	return 0xd1000000 | (imm << 10) | (uint32(src) << 5) | uint32(dest)
}

// SubReg encodes "sub dest, a, b".
func SubReg(dest, a, b Register) uint32 {
	return 0xcb000000 | (uint32(b) << 16) | (uint32(a) << 5) | uint32(dest)
}

// Mul encodes "mul dest, a, b" as the canonical alias "madd dest, a, b, xzr".
func Mul(dest, a, b Register) uint32 {
	const xzr = 31
	return 0x9b000000 | (uint32(b) << 16) | (xzr << 10) | (uint32(a) << 5) | uint32(dest)
}

// SDiv encodes "sdiv dest, dividend, divisor" (signed division).
func SDiv(dest, dividend, divisor Register) uint32 {
	return 0x9ac00c00 | (uint32(divisor) << 16) | (uint32(dividend) << 5) | uint32(dest)
}

// StrImm encodes "str src, [base, #offset]" using the unsigned-offset
// scale-8 form. offset must be a non-negative multiple of 8 that fits in
// 12 scaled bits (0..32760).
func StrImm(src, base Register, offset int32) uint32 {
	if offset < 0 || offset%8 != 0 {
		panic(fmt.Sprintf("arm64: STR offset must be a non-negative multiple of 8: %d", offset))
	}
	imm12 := uint32(offset / 8)
	requireU("STR scaled offset", imm12, 0xfff)
	return 0xf9000000 | (imm12 << 10) | (uint32(base) << 5) | uint32(src)
}

// LdrImm encodes "ldr dest, [base, #offset]" using the unsigned-offset
// scale-8 form, with the same constraints as StrImm.
func LdrImm(dest, base Register, offset int32) uint32 {
	if offset < 0 || offset%8 != 0 {
		panic(fmt.Sprintf("arm64: LDR offset must be a non-negative multiple of 8: %d", offset))
	}
	imm12 := uint32(offset / 8)
	requireU("LDR scaled offset", imm12, 0xfff)
	return 0xf9400000 | (imm12 << 10) | (uint32(base) << 5) | uint32(dest)
}

// StpPre encodes "stp first, second, [base, #offset]!" (pre-indexed),
// used for the function prologue's frame-pointer/link-register save.
// offset must be a multiple of 8 in [-512, 504].
func StpPre(first, second, base Register, offset int32) uint32 {
	if offset%8 != 0 {
		panic(fmt.Sprintf("arm64: STP offset must be a multiple of 8: %d", offset))
	}
	imm7 := offset / 8
	requireS("STP imm7", imm7, -64, 63)
	return 0xa9800000 | (uint32(imm7)&0x7f)<<15 | (uint32(second) << 10) | (uint32(base) << 5) | uint32(first)
}

// LdpPost encodes "ldp first, second, [base], #offset" (post-indexed),
// used for the function epilogue's frame-pointer/link-register restore.
func LdpPost(first, second, base Register, offset int32) uint32 {
	if offset%8 != 0 {
		panic(fmt.Sprintf("arm64: LDP offset must be a multiple of 8: %d", offset))
	}
	imm7 := offset / 8
	requireS("LDP imm7", imm7, -64, 63)
	return 0xa8c00000 | (uint32(imm7)&0x7f)<<15 | (uint32(second) << 10) | (uint32(base) << 5) | uint32(first)
}

// BranchLink encodes "bl #offset", a 26-bit PC-relative call. offset is
// the byte distance from the instruction's own address to the target and
// must be a multiple of 4.
func BranchLink(byteOffset int32) uint32 {
	if byteOffset%4 != 0 {
		panic(fmt.Sprintf("arm64: BL offset must be word-aligned: %d", byteOffset))
	}
	imm26 := byteOffset / 4
	requireS("BL imm26", imm26, -(1 << 25), (1<<25)-1)
	return 0x94000000 | (uint32(imm26) & 0x3ffffff)
}

// Ret encodes "ret" (branches to the address in LR).
func Ret() uint32 {
	return 0xd65f0000 | (uint32(LR) << 5)
}

// Svc encodes "svc #imm" (supervisor call trap).
func Svc(imm uint16) uint32 {
	return 0xd4000001 | (uint32(imm) << 5)
}

// Nop encodes "nop".
func Nop() uint32 {
	return 0xd503201f
}
