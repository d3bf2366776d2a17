// Package handoff ends the boot phase: it drives the firmware teardown
// protocol and then points the CPU at the kernel.
//
// Teardown is a small state machine rather than a retry loop. The
// firmware rejects the release call whenever its memory map has moved
// under us, so the protocol re-queries for a fresh key and tries again,
// a bounded number of times. Once the firmware lets go there is no road
// back; the register file is rewritten in a fixed order and control is
// considered transferred.
package handoff

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootchain/internal/e820"
	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/paging"
	"github.com/tinyrange/bootchain/internal/vm"
)

const (
	// RecordVersion is bumped whenever the Record layout changes.
	RecordVersion = 1

	// KernelEntry is where the relocated kernel image begins.
	KernelEntry mem.PhysAddr = 0x200000

	// StackTop is the initial kernel stack pointer. The stack grows down
	// from here toward StackTop-StackSize.
	StackTop  mem.PhysAddr = 0xA0000
	StackSize uint64       = 64 << 10
)

// RFLAGS bits the hand-off touches. Bit 1 is fixed high on every x86.
const (
	rflagsReserved  uint64 = 1 << 1
	rflagsInterrupt uint64 = 1 << 9
	rflagsDirection uint64 = 1 << 10
)

var ErrBadRecord = errors.New("invalid hand-off record")

// Record describes everything the kernel entry environment depends on.
// It is versioned so a kernel built against a newer layout can refuse a
// stale bootloader instead of misreading it.
type Record struct {
	Version       uint32
	MapAddr       mem.PhysAddr
	MapCapacity   uint32
	PageTableRoot mem.PhysAddr
	KernelEntry   mem.PhysAddr
	StackTop      mem.PhysAddr
	StackSize     uint64
}

// DefaultRecord returns the fixed boot layout.
func DefaultRecord() Record {
	return Record{
		Version:       RecordVersion,
		MapAddr:       e820.HandoffAddr,
		MapCapacity:   e820.WriterCap,
		PageTableRoot: paging.PML4Addr,
		KernelEntry:   KernelEntry,
		StackTop:      StackTop,
		StackSize:     StackSize,
	}
}

// Validate checks the record's alignment and bounds invariants.
func (r Record) Validate() error {
	if r.Version != RecordVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrBadRecord, r.Version, RecordVersion)
	}
	if r.MapAddr == 0 || !r.MapAddr.IsAligned(4) {
		return fmt.Errorf("%w: map address %s", ErrBadRecord, r.MapAddr)
	}
	if r.MapCapacity == 0 || r.MapCapacity > e820.WriterCap {
		return fmt.Errorf("%w: map capacity %d", ErrBadRecord, r.MapCapacity)
	}
	if r.PageTableRoot == 0 || !r.PageTableRoot.IsAligned(mem.FrameSize) {
		return fmt.Errorf("%w: page table root %s", ErrBadRecord, r.PageTableRoot)
	}
	if r.KernelEntry == 0 || !r.KernelEntry.IsAligned(mem.FrameSize) {
		return fmt.Errorf("%w: kernel entry %s", ErrBadRecord, r.KernelEntry)
	}
	if r.StackTop == 0 || !r.StackTop.IsAligned(16) {
		return fmt.Errorf("%w: stack top %s", ErrBadRecord, r.StackTop)
	}
	if r.StackSize == 0 || uint64(r.StackTop) < r.StackSize {
		return fmt.Errorf("%w: stack of 0x%x bytes below %s", ErrBadRecord, r.StackSize, r.StackTop)
	}
	return nil
}

// Apply rewrites the machine's register file for kernel entry. The
// order is load-bearing: translation must be in place before anything
// else moves, interrupts must be off before the stack switches, and the
// instruction pointer moves last. General-purpose registers are zeroed
// so no stale firmware-call arguments leak into the kernel.
func (r Record) Apply(m *vm.Machine) error {
	if err := r.Validate(); err != nil {
		return err
	}

	if err := m.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterCr3: vm.Register64(r.PageTableRoot),
	}); err != nil {
		return fmt.Errorf("handoff: load page table root: %w", err)
	}

	if err := updateRflags(m, func(f uint64) uint64 {
		return (f | rflagsReserved) &^ rflagsInterrupt
	}); err != nil {
		return fmt.Errorf("handoff: mask interrupts: %w", err)
	}

	if err := m.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRsp: vm.Register64(r.StackTop),
	}); err != nil {
		return fmt.Errorf("handoff: set stack pointer: %w", err)
	}

	if err := updateRflags(m, func(f uint64) uint64 {
		return f &^ rflagsDirection
	}); err != nil {
		return fmt.Errorf("handoff: clear direction flag: %w", err)
	}

	scrub := make(map[vm.Register]vm.RegisterValue, len(vm.GeneralPurposeRegisters))
	for _, reg := range vm.GeneralPurposeRegisters {
		scrub[reg] = vm.Register64(0)
	}
	if err := m.SetRegisters(scrub); err != nil {
		return fmt.Errorf("handoff: scrub registers: %w", err)
	}

	if err := m.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRip: vm.Register64(r.KernelEntry),
	}); err != nil {
		return fmt.Errorf("handoff: set entry point: %w", err)
	}
	return nil
}

func updateRflags(m *vm.Machine, f func(uint64) uint64) error {
	regs := map[vm.Register]vm.RegisterValue{
		vm.RegisterRflags: vm.Register64(0),
	}
	if err := m.GetRegisters(regs); err != nil {
		return err
	}
	cur := uint64(regs[vm.RegisterRflags].(vm.Register64))
	return m.SetRegisters(map[vm.Register]vm.RegisterValue{
		vm.RegisterRflags: vm.Register64(f(cur)),
	})
}
