package platform

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Snapshot is the captured state a PSOD (purple/blue screen of death)
// records, per spec.md §7: "Double fault, NMI on a userworld, and any
// fatal exception other than DB/BP produce a PSOD with a captured
// register snapshot."
type Snapshot struct {
	WorldID uint32
	Vector  int
	EIP     uint32
	ErrCode uint32
	Extra   string

	// Code is the raw instruction bytes starting at EIP, when the
	// faulting linear address resolved to mapped memory (via
	// FrameSource.Bytes/XMap.Bytes). A nil or empty Code skips
	// disassembly rather than guessing at unmapped memory.
	Code []byte
}

// PSOD is the fatal, unrecoverable system panic. Unlike a plain Go
// panic(), it always carries a Snapshot and is the only sanctioned way for
// the core to stop the world on an invariant violation spec.md calls out
// as non-recoverable (TLB invalidation timeout, double fault, an
// unhandled fatal exception).
func PSOD(reason string, snap Snapshot) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	panic(fmt.Sprintf(
		"PSOD: %s\nworld=%d vector=%d eip=%#08x errcode=%#x %s\n%s\n%s",
		reason, snap.WorldID, snap.Vector, snap.EIP, snap.ErrCode, snap.Extra,
		disassemble(snap.EIP, snap.Code), buf[:n],
	))
}

// disassemble decodes up to three instructions at faultEIP for the PSOD
// crash dump, the same way a real console's backtrace annotates the
// faulting opcode next to the register dump.
func disassemble(faultEIP uint32, code []byte) string {
	if len(code) == 0 {
		return fmt.Sprintf("%#08x: <no instruction bytes mapped>", faultEIP)
	}
	var lines []string
	off := 0
	for i := 0; i < 3 && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%#08x: <decode error: %v>", faultEIP+uint32(off), err))
			break
		}
		lines = append(lines, fmt.Sprintf("%#08x: %s", faultEIP+uint32(off), x86asm.GNUSyntax(inst, uint64(faultEIP+uint32(off)), nil)))
		off += inst.Len
	}
	return strings.Join(lines, "\n")
}
