package kinit

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/bootchain/internal/mem"
)

var ErrNoTrapTable = errors.New("exception table not installed")

// Vector is an x86 exception vector number.
type Vector uint8

const (
	VectorDivideError        Vector = 0
	VectorDebug              Vector = 1
	VectorNMI                Vector = 2
	VectorBreakpoint         Vector = 3
	VectorOverflow           Vector = 4
	VectorBoundRange         Vector = 5
	VectorInvalidOpcode      Vector = 6
	VectorDeviceNotAvailable Vector = 7
	VectorDoubleFault        Vector = 8
	VectorInvalidTSS         Vector = 10
	VectorSegmentNotPresent  Vector = 11
	VectorStackSegment       Vector = 12
	VectorGeneralProtection  Vector = 13
	VectorPageFault          Vector = 14
	VectorX87FloatingPoint   Vector = 16
	VectorAlignmentCheck     Vector = 17
	VectorMachineCheck       Vector = 18
	VectorSIMDFloatingPoint  Vector = 19
	VectorVirtualization     Vector = 20
	VectorSecurityException  Vector = 30
)

var vectorNames = map[Vector]string{
	VectorDivideError:        "DIVIDE BY ZERO ERROR",
	VectorDebug:              "DEBUG",
	VectorNMI:                "NON-MASKABLE INTERRUPT",
	VectorBreakpoint:         "BREAKPOINT",
	VectorOverflow:           "OVERFLOW",
	VectorBoundRange:         "BOUND RANGE EXCEEDED",
	VectorInvalidOpcode:      "INVALID OPCODE",
	VectorDeviceNotAvailable: "DEVICE NOT AVAILABLE",
	VectorDoubleFault:        "DOUBLE FAULT",
	VectorInvalidTSS:         "INVALID TSS",
	VectorSegmentNotPresent:  "SEGMENT NOT PRESENT",
	VectorStackSegment:       "STACK SEGMENT FAULT",
	VectorGeneralProtection:  "GENERAL PROTECTION FAULT",
	VectorPageFault:          "PAGE FAULT",
	VectorX87FloatingPoint:   "x87 FLOATING POINT",
	VectorAlignmentCheck:     "ALIGNMENT CHECK",
	VectorMachineCheck:       "MACHINE CHECK",
	VectorSIMDFloatingPoint:  "SIMD FLOATING POINT",
	VectorVirtualization:     "VIRTUALIZATION",
	VectorSecurityException:  "SECURITY EXCEPTION",
}

func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("VECTOR %d", uint8(v))
}

// hasErrorCode reports whether the CPU pushes an error code for v.
func (v Vector) hasErrorCode() bool {
	switch v {
	case VectorDoubleFault, VectorInvalidTSS, VectorSegmentNotPresent,
		VectorStackSegment, VectorGeneralProtection, VectorPageFault,
		VectorAlignmentCheck, VectorSecurityException:
		return true
	}
	return false
}

// resumable vectors return to the interrupted code; everything else is
// a halt.
func (v Vector) resumable() bool {
	switch v {
	case VectorDebug, VectorNMI, VectorBreakpoint:
		return true
	}
	return false
}

// Trap is one exception delivery. Everything a handler may act on
// arrives in this value; handlers keep no state of their own.
type Trap struct {
	Vector    Vector
	ErrorCode uint64

	// Address is the faulting address, page faults only.
	Address mem.PhysAddr
}

// Handler services one exception vector.
type Handler func(Trap)

// Traps is the exception dispatch table. It is built once under its
// lock, and interrupts cannot be enabled before it is installed; the
// boot contract is that translation and the stack are already valid by
// then, so any trap taken afterwards has somewhere safe to land.
type Traps struct {
	mu       sync.Mutex
	out      io.Writer
	halt     func()
	handlers map[Vector]Handler
	enabled  bool
}

// NewTraps returns an empty table. Diagnostics go to out; halting
// vectors call halt after reporting.
func NewTraps(out io.Writer, halt func()) *Traps {
	return &Traps{out: out, halt: halt}
}

// Install builds the default handler set and returns how many vectors
// are covered. Installing twice is a no-op.
func (t *Traps) Install() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers == nil {
		t.handlers = make(map[Vector]Handler, len(vectorNames))
		for v := range vectorNames {
			t.handlers[v] = t.defaultHandler(v)
		}
	}
	return len(t.handlers)
}

// Installed reports whether the table has been built.
func (t *Traps) Installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers != nil
}

// Handle replaces the handler for one vector. The table must already be
// installed.
func (t *Traps) Handle(v Vector, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers == nil {
		return ErrNoTrapTable
	}
	t.handlers[v] = h
	return nil
}

// EnableInterrupts opens the interrupt gate. It refuses until the table
// is installed.
func (t *Traps) EnableInterrupts() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers == nil {
		return ErrNoTrapTable
	}
	t.enabled = true
	return nil
}

// DisableInterrupts closes the gate again.
func (t *Traps) DisableInterrupts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// InterruptsEnabled reports the gate state.
func (t *Traps) InterruptsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Dispatch delivers one trap. The handler runs outside the table lock.
// A vector with no entry reports and halts.
func (t *Traps) Dispatch(tr Trap) {
	t.mu.Lock()
	h := t.handlers[tr.Vector]
	t.mu.Unlock()

	if h == nil {
		t.report(tr)
		if t.halt != nil {
			t.halt()
		}
		return
	}
	h(tr)
}

func (t *Traps) defaultHandler(v Vector) Handler {
	return func(tr Trap) {
		t.report(tr)
		if !v.resumable() && t.halt != nil {
			t.halt()
		}
	}
}

func (t *Traps) report(tr Trap) {
	if t.out == nil {
		return
	}
	fmt.Fprintf(t.out, "[EXCEPTION] %s\r\n", tr.Vector)
	if tr.Vector == VectorPageFault {
		fmt.Fprintf(t.out, "Accessed Address: %s\r\n", tr.Address)
	}
	if tr.Vector.hasErrorCode() {
		fmt.Fprintf(t.out, "Error Code: %d\r\n", tr.ErrorCode)
	}
}
