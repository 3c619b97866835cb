package world

import (
	"encoding/binary"

	"github.com/vmkforge/core/platform"
)

// stackCookie marks the low guard word of every world's vmkernel stack
// when debug checking is enabled; a mismatch on checkStackCookie means
// the stack underflowed into the guard page.
const stackCookie = 0xDEADC0DE

// writeStackCookie stamps the cookie at the lowest mapped word of the
// stack. Nothing in this package calls it; initStack does not stamp
// stacks.
func writeStackCookie(stack []byte) {
	if len(stack) < 4 {
		return
	}
	binary.LittleEndian.PutUint32(stack[:4], stackCookie)
}

// checkStackCookie is the debug-only WorldCheckStack probe (spec.md §9
// Open Question): samples the low guard word of w's vmkernel stack and
// reports whether it still holds the cookie. Never called from a
// production hot path; wire it only from debug tooling or tests.
func checkStackCookie(cfg platform.Config, stack []byte) bool {
	if !cfg.Debug {
		return true
	}
	if len(stack) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(stack[:4]) == stackCookie
}

// DebugHostCount exposes a VMM world's attach count for introspection,
// mirroring the debug proc node the original vmkernel keeps for the same
// counter.
func DebugHostCount(h *Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.HostCount
}
