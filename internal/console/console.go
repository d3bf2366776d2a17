// Package console drives the chain's text output: a serial boot
// console for the firmware phase, a VGA text page writer for the
// kernel phase, and the single display-and-halt primitive every fatal
// path funnels through.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bootchain/internal/uefi"
)

const (
	colorRed   = "\033[31m"
	colorBold  = "\033[1m"
	colorReset = "\033[0m"
)

// PortWriter is the outbound I/O port capability.
type PortWriter interface {
	WriteIOPort(port uint16, data []byte) error
}

// PortIO adds the inbound direction for status polling.
type PortIO interface {
	PortWriter
	ReadIOPort(port uint16, data []byte) error
}

// lsrOffset is the line status register, bit 5 is transmit-ready.
const (
	lsrOffset    = 5
	lsrTxReady   = 1 << 5
	maxTxPolls   = 1 << 16
	mcrDTRRTSOut = 0x0B
)

// InitPort programs a 16550-style UART for 38400 baud, 8N1, FIFOs on.
// The firmware usually leaves the port usable but the kernel does not
// trust inherited state.
func InitPort(ports PortWriter, base uint16) error {
	seq := []struct {
		off uint16
		val byte
	}{
		{1, 0x00}, // interrupts off
		{3, 0x80}, // divisor latch on
		{0, 0x03}, // divisor low, 38400 baud
		{1, 0x00}, // divisor high
		{3, 0x03}, // 8 bits, no parity, one stop bit
		{2, 0xC7}, // FIFOs on and cleared, 14 byte threshold
		{4, mcrDTRRTSOut},
	}
	for _, s := range seq {
		if err := ports.WriteIOPort(base+s.off, []byte{s.val}); err != nil {
			return fmt.Errorf("console: program uart register %d: %w", s.off, err)
		}
	}
	return nil
}

// PortSerial adapts a UART transmit register to io.Writer. Every byte
// polls the line status register until the transmitter reports ready.
type PortSerial struct {
	ports PortIO
	base  uint16
}

func NewPortSerial(ports PortIO, base uint16) *PortSerial {
	return &PortSerial{ports: ports, base: base}
}

var _ io.Writer = (*PortSerial)(nil)

func (p *PortSerial) Write(b []byte) (int, error) {
	for i, c := range b {
		if err := p.waitTxReady(); err != nil {
			return i, err
		}
		if err := p.ports.WriteIOPort(p.base, []byte{c}); err != nil {
			return i, fmt.Errorf("console: transmit: %w", err)
		}
	}
	return len(b), nil
}

func (p *PortSerial) waitTxReady() error {
	status := make([]byte, 1)
	for i := 0; i < maxTxPolls; i++ {
		if err := p.ports.ReadIOPort(p.base+lsrOffset, status); err != nil {
			return fmt.Errorf("console: poll line status: %w", err)
		}
		if status[0]&lsrTxReady != 0 {
			return nil
		}
	}
	return fmt.Errorf("console: transmitter stuck busy")
}

// Console is the boot-phase text console. Output is best effort, a
// console that cannot write must not take the boot down with it.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	halt func()
}

// New returns a console writing to out. halt runs at the end of the
// fatal path, nil leaves halting to the caller.
func New(out io.Writer, halt func()) *Console {
	return &Console{out: out, halt: halt}
}

// Logf writes one formatted line. Lines are CRLF terminated for raw
// serial terminals.
func (c *Console) Logf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.print(fmt.Sprintf(format, args...))
	c.print("\r\n")
}

// Fatal reports a failed operation and runs the halt hook. The caller
// must treat it as terminal, there is nothing to recover once the boot
// has diverged here.
func (c *Console) Fatal(operation string, err error) {
	c.mu.Lock()
	c.print("\r\n")
	c.print(colorBold + colorRed + "BOOTLOADER ERROR" + colorReset + "\r\n")
	c.print("Operation: " + operation + "\r\n")
	if status, ok := uefi.StatusOf(err); ok {
		c.print(fmt.Sprintf("Status Code: 0x%016X\r\n", uint64(status)))
		c.print("Description: " + status.String() + "\r\n")
	} else if err != nil {
		c.print("Reason: " + err.Error() + "\r\n")
	}
	c.print("System halted.\r\n")
	c.mu.Unlock()

	if c.halt != nil {
		c.halt()
	}
}

func (c *Console) print(s string) {
	_, _ = io.WriteString(c.out, s)
}
