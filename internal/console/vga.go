package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/physmem"
)

// VGA text page geometry. Each cell is two bytes, character then
// attribute.
const (
	VGABase mem.PhysAddr = 0xB8000

	VGAWidth  = 80
	VGAHeight = 25
)

// Attr is a VGA attribute byte, background in the high nibble and
// foreground in the low.
type Attr byte

const (
	AttrLightGreen Attr = 0x0A
	AttrLightCyan  Attr = 0x0B
	AttrLightRed   Attr = 0x0C
	AttrYellow     Attr = 0x0E
	AttrWhite      Attr = 0x0F
)

// substituteChar replaces bytes outside printable ASCII on screen.
const substituteChar = 0xFE

// Writer is the kernel-phase console. Characters land on the VGA text
// page in guest memory and mirror to an optional serial stream with LF
// expanded to CRLF. The cursor clamps at the bottom row rather than
// scrolling, late output overwrites the last line.
type Writer struct {
	mu     sync.Mutex
	memory physmem.Memory
	serial io.Writer

	row, col int
}

// NewWriter returns a writer over the VGA page of m. serial may be nil.
func NewWriter(m physmem.Memory, serial io.Writer) *Writer {
	return &Writer{memory: m, serial: serial}
}

// Clear blanks the whole page to white-on-black spaces and homes the
// cursor.
func (w *Writer) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	page := make([]byte, VGAWidth*VGAHeight*2)
	for i := 0; i < len(page); i += 2 {
		page[i] = ' '
		page[i+1] = byte(AttrWhite)
	}
	if _, err := w.memory.WriteAt(page, int64(VGABase)); err != nil {
		return fmt.Errorf("console: clear vga page: %w", err)
	}
	w.row, w.col = 0, 0
	return nil
}

// WriteLine writes s in the given attribute followed by a newline.
func (w *Writer) WriteLine(attr Attr, s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := 0; i < len(s); i++ {
		if err := w.writeByte(s[i], attr); err != nil {
			return err
		}
	}
	return w.writeByte('\n', attr)
}

// Printf formats into a single line.
func (w *Writer) Printf(attr Attr, format string, args ...any) error {
	return w.WriteLine(attr, fmt.Sprintf(format, args...))
}

// Position returns the cursor location.
func (w *Writer) Position() (row, col int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.row, w.col
}

func (w *Writer) writeByte(b byte, attr Attr) error {
	if b == '\n' {
		w.col = 0
		if w.row < VGAHeight-1 {
			w.row++
		}
		w.mirror([]byte{'\r', '\n'})
		return nil
	}

	cell := b
	if cell < 0x20 || cell > 0x7E {
		cell = substituteChar
	}
	off := int64(VGABase) + int64((w.row*VGAWidth+w.col)*2)
	if _, err := w.memory.WriteAt([]byte{cell, byte(attr)}, off); err != nil {
		return fmt.Errorf("console: write vga cell %d,%d: %w", w.row, w.col, err)
	}

	w.col++
	if w.col >= VGAWidth {
		w.col = 0
		if w.row < VGAHeight-1 {
			w.row++
		}
	}
	w.mirror([]byte{b})
	return nil
}

func (w *Writer) mirror(b []byte) {
	if w.serial == nil {
		return
	}
	_, _ = w.serial.Write(b)
}
