// Package console implements the privileged console world's host-facing
// I/O: the boot banner, steady-state status line, and the purple-screen
// renderer cmd/vmkboot's top-level recover() hands a captured
// platform.Snapshot to. This is presentation only — the console world's
// kernel-side bookkeeping (name, init/exit table entry) lives in package
// world; this package is what that world's initial function actually
// writes to the terminal with.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/vmkforge/core/platform"
	"golang.org/x/term"
)

// Screen wraps the host terminal the console world owns.
type Screen struct {
	out      io.Writer
	fd       int
	rawState *term.State
}

// NewScreen attaches to fd (typically os.Stdout.Fd()) without yet putting
// it in raw mode.
func NewScreen(out *os.File) *Screen {
	return &Screen{out: out, fd: int(out.Fd())}
}

// EnterRaw puts the terminal in raw mode so the console world can read
// single keystrokes (for the debugger break-in sequence) without waiting
// on a line discipline. Returns an error if fd isn't a terminal at all,
// which callers should treat as "running headless" rather than fatal.
func (s *Screen) EnterRaw() error {
	if !term.IsTerminal(s.fd) {
		return fmt.Errorf("console: fd %d is not a terminal", s.fd)
	}
	st, err := term.MakeRaw(s.fd)
	if err != nil {
		return err
	}
	s.rawState = st
	return nil
}

// ExitRaw restores the terminal's prior mode, if EnterRaw succeeded.
func (s *Screen) ExitRaw() error {
	if s.rawState == nil {
		return nil
	}
	err := term.Restore(s.fd, s.rawState)
	s.rawState = nil
	return err
}

// Banner prints the boot banner once the console world's initial
// function runs, mirroring the real console's boot-time version stamp.
func (s *Screen) Banner(version string, numPCPUs int) {
	style := ansi.Style{}.ForegroundColor(ansi.BasicColor(6)) // cyan
	fmt.Fprintf(s.out, "%s\n", style.Styled(fmt.Sprintf("vmkforge core %s — %d pcpus online", version, numPCPUs)))
}

// Status prints a one-line steady-state status update (world counts, free
// heap bytes), used by cmd/vmkboot's demo loop.
func (s *Screen) Status(line string) {
	fmt.Fprintf(s.out, "%s\r\n", line)
}

// PurpleScreen renders the fatal-panic presentation for a captured
// platform.Snapshot: a solid-background panel in the PSOD's traditional
// purple, naming the reason and register snapshot. cmd/vmkboot's
// top-level recover() calls this before re-panicking (or os.Exit, outside
// a test harness) since PSOD itself never returns.
func (s *Screen) PurpleScreen(reason string, snap platform.Snapshot) {
	bg := ansi.Style{}.BackgroundColor(ansi.BasicColor(5)) // magenta/purple
	fg := ansi.Style{}.ForegroundColor(ansi.BasicColor(7))

	line := func(format string, args ...any) {
		text := fmt.Sprintf(format, args...)
		fmt.Fprintf(s.out, "%s\r\n", bg.Styled(fg.Styled(text)))
	}

	line("VMKFORGE CORE PANIC (PSOD)")
	line("%s", reason)
	line("world=%d vector=%d eip=%#08x errcode=%#x", snap.WorldID, snap.Vector, snap.EIP, snap.ErrCode)
	if snap.Extra != "" {
		line("%s", snap.Extra)
	}
}
