// Package term renders the guest serial stream into a virtual terminal
// so boot output can be inspected as a screen instead of a raw byte
// log.
package term

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Capture is a headless terminal fed by guest console output. It is an
// io.Writer, wire the serial device's sink straight into it.
type Capture struct {
	emu *vt.SafeEmulator

	mu     sync.Mutex
	clears int
}

func NewCapture(cols, rows int) *Capture {
	c := &Capture{emu: vt.NewSafeEmulator(cols, rows)}
	c.silenceQueries()
	c.observeErase()

	// The emulator can synthesize reply bytes for sequences the
	// handlers do not swallow. Nothing consumes that stream here, so
	// drain it to keep Write from ever backing up.
	go c.drainReplies()

	return c
}

var _ io.WriteCloser = (*Capture)(nil)

// Write feeds guest output into the terminal.
func (c *Capture) Write(p []byte) (int, error) {
	return c.emu.Write(p)
}

func (c *Capture) Close() error {
	return c.emu.Close()
}

// Size returns the terminal grid size.
func (c *Capture) Size() (cols, rows int) {
	return c.emu.Width(), c.emu.Height()
}

// Clears counts full-screen erases observed in the stream.
func (c *Capture) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Line returns row y of the screen with trailing blanks trimmed.
func (c *Capture) Line(y int) string {
	cols := c.emu.Width()
	var b strings.Builder
	for x := 0; x < cols; {
		cell := c.emu.CellAt(x, y)
		if cell == nil {
			b.WriteByte(' ')
			x++
			continue
		}
		if cell.Content == "" {
			b.WriteByte(' ')
		} else {
			b.WriteString(cell.Content)
		}
		if cell.Width > 1 {
			x += cell.Width
		} else {
			x++
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Screen returns every row, trailing blank rows dropped.
func (c *Capture) Screen() []string {
	rows := c.emu.Height()
	lines := make([]string, rows)
	last := -1
	for y := 0; y < rows; y++ {
		lines[y] = c.Line(y)
		if lines[y] != "" {
			last = y
		}
	}
	return lines[:last+1]
}

// String renders the screen as one newline-joined block.
func (c *Capture) String() string {
	return strings.Join(c.Screen(), "\n")
}

// Contains reports whether any screen row contains substr.
func (c *Capture) Contains(substr string) bool {
	for _, line := range c.Screen() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// silenceQueries swallows terminal status queries so the emulator does
// not synthesize replies. The guest never reads the line, replies
// would just sit in the input buffer.
func (c *Capture) silenceQueries() {
	// Device Status Report: CSI n, swallow operating status and CPR.
	c.emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		switch n {
		case 5, 6:
			return true
		default:
			return false
		}
	})

	// DEC private DSR: CSI ? n, swallow the extended CPR.
	c.emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 6
	})

	// Device Attributes: CSI c and CSI > c.
	c.emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	c.emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// observeErase counts whole-screen erases without taking over their
// processing.
func (c *Capture) observeErase() {
	c.emu.RegisterCsiHandler('J', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		if n == 2 || n == 3 {
			c.mu.Lock()
			c.clears++
			c.mu.Unlock()
		}
		return false
	})
}

func (c *Capture) drainReplies() {
	buf := make([]byte, 256)
	for {
		if _, err := c.emu.Read(buf); err != nil {
			return
		}
	}
}
