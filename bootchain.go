// Package bootchain runs the firmware-to-kernel memory bootstrap chain
// end to end against an emulated machine: UEFI memory map acquisition,
// hand-off map conversion, kernel staging and relocation, identity-mapped
// page tables, the boot-services teardown protocol, and the kernel-side
// re-derivation with frame allocator and heap bootstrap.
//
// The zero-configuration path boots a generated placeholder kernel:
//
//	report, err := bootchain.Run(ctx)
//
// Options select the guest size, supply a real kernel image, tee the
// serial console, or inject teardown failures.
package bootchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/tinyrange/bootchain/internal/boot"
	"github.com/tinyrange/bootchain/internal/firmware"
	"github.com/tinyrange/bootchain/internal/handoff"
	"github.com/tinyrange/bootchain/internal/heap"
	"github.com/tinyrange/bootchain/internal/kinit"
	"github.com/tinyrange/bootchain/internal/loader"
	"github.com/tinyrange/bootchain/internal/mem"
	"github.com/tinyrange/bootchain/internal/vm"
)

// Common sentinel errors surfaced by Run.
var (
	ErrEmptyKernel    = loader.ErrEmptyKernel
	ErrKernelTooLarge = loader.ErrKernelTooLarge
	ErrVerifyFailed   = loader.ErrVerifyFailed
	ErrBadRecord      = handoff.ErrBadRecord
)

// DefaultMemoryMB is the guest size when no option overrides it.
const DefaultMemoryMB uint64 = 64

// KernelSignature is the identity word a well-formed kernel image
// carries at offset 0.
const KernelSignature uint64 = kinit.Signature

// Registers is the machine state after the hand-off, as the kernel
// entry ABI defines it.
type Registers struct {
	CR3    uint64
	RSP    uint64
	RIP    uint64
	RFLAGS uint64
}

// Report describes one completed chain run.
type Report struct {
	// Regions is the normalized memory map the bootloader stored for
	// the kernel.
	Regions []mem.Region

	MappedBytes  uint64
	ExitAttempts int
	KernelSize   uint64

	HeapReady bool
	Heap      heap.Stats

	Registers  Registers
	Transcript string

	// Boot and Kernel carry the full per-phase detail.
	Boot   *boot.Result
	Kernel *kinit.Report
}

// Option configures a Run.
type Option interface{ isOption() }

// WithMemoryMB sets the guest memory size in megabytes.
func WithMemoryMB(size uint64) Option {
	return &memoryOption{sizeMB: size}
}

type memoryOption struct{ sizeMB uint64 }

func (*memoryOption) isOption() {}

// WithKernel supplies the kernel image placed on the firmware volume.
func WithKernel(image []byte) Option {
	return &kernelOption{image: image}
}

type kernelOption struct{ image []byte }

func (*kernelOption) isOption() {}

// WithSerial tees the guest serial console to w as it is written.
func WithSerial(w io.Writer) Option {
	return &serialOption{w: w}
}

type serialOption struct{ w io.Writer }

func (*serialOption) isOption() {}

// WithProgress receives the kernel bytes as they are relocated.
func WithProgress(w io.Writer) Option {
	return &progressOption{w: w}
}

type progressOption struct{ w io.Writer }

func (*progressOption) isOption() {}

// WithRejectExits makes the firmware reject the first n teardown
// attempts with a stale map key, exercising the retry protocol.
func WithRejectExits(n int) Option {
	return &rejectOption{n: n}
}

type rejectOption struct{ n int }

func (*rejectOption) isOption() {}

// WithTimeout bounds the whole run.
func WithTimeout(d time.Duration) Option {
	return &timeoutOption{d: d}
}

type timeoutOption struct{ d time.Duration }

func (*timeoutOption) isOption() {}

type runConfig struct {
	memoryMB    uint64
	kernel      []byte
	serial      io.Writer
	progress    io.Writer
	rejectExits int
	timeout     time.Duration
}

// PlaceholderKernel builds the minimal well-formed kernel image: the
// signature word, a two-byte halt spin, zero padding to one page.
func PlaceholderKernel() []byte {
	img := make([]byte, 4096)
	binary.LittleEndian.PutUint64(img, KernelSignature)
	img[8] = 0xEB // jmp $
	img[9] = 0xFE
	return img
}

// Run boots the chain and returns the combined report. The machine is
// torn down before Run returns; everything observable ends up in the
// report.
func Run(ctx context.Context, opts ...Option) (*Report, error) {
	cfg := runConfig{memoryMB: DefaultMemoryMB}
	for _, opt := range opts {
		switch o := opt.(type) {
		case *memoryOption:
			cfg.memoryMB = o.sizeMB
		case *kernelOption:
			cfg.kernel = o.image
		case *serialOption:
			cfg.serial = o.w
		case *progressOption:
			cfg.progress = o.w
		case *rejectOption:
			cfg.rejectExits = o.n
		case *timeoutOption:
			cfg.timeout = o.d
		}
	}
	if cfg.kernel == nil {
		cfg.kernel = PlaceholderKernel()
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	m, err := vm.NewMachine(cfg.memoryMB << 20)
	if err != nil {
		return nil, fmt.Errorf("bootchain: %w", err)
	}
	defer m.Close()

	var transcript bytes.Buffer
	sink := io.Writer(&transcript)
	if cfg.serial != nil {
		sink = io.MultiWriter(&transcript, cfg.serial)
	}
	if err := m.AddDevice(vm.NewSerial8250(vm.Com1Base, sink)); err != nil {
		return nil, fmt.Errorf("bootchain: %w", err)
	}

	fw, err := firmware.New(m, firmware.Config{
		RejectExits: cfg.rejectExits,
		Files:       map[string][]byte{loader.KernelFileName: cfg.kernel},
	})
	if err != nil {
		return nil, fmt.Errorf("bootchain: %w", err)
	}

	bootRes, err := boot.Run(ctx, m, fw.Handle(), fw, boot.Config{Progress: cfg.progress})
	if err != nil {
		return nil, fmt.Errorf("bootchain: boot phase: %w", err)
	}

	kernRes, err := kinit.Run(m)
	if err != nil {
		return nil, fmt.Errorf("bootchain: kernel phase: %w", err)
	}

	regs, err := readRegisters(m)
	if err != nil {
		return nil, fmt.Errorf("bootchain: %w", err)
	}

	return &Report{
		Regions:      bootRes.Regions,
		MappedBytes:  kernRes.MappedBytes,
		ExitAttempts: bootRes.Attempts,
		KernelSize:   bootRes.KernelSize,
		HeapReady:    kernRes.HeapReady,
		Heap:         kernRes.Heap,
		Registers:    regs,
		Transcript:   transcript.String(),
		Boot:         bootRes,
		Kernel:       kernRes,
	}, nil
}

func readRegisters(m *vm.Machine) (Registers, error) {
	regs := map[vm.Register]vm.RegisterValue{
		vm.RegisterCr3:    vm.Register64(0),
		vm.RegisterRsp:    vm.Register64(0),
		vm.RegisterRip:    vm.Register64(0),
		vm.RegisterRflags: vm.Register64(0),
	}
	if err := m.GetRegisters(regs); err != nil {
		return Registers{}, err
	}
	return Registers{
		CR3:    uint64(regs[vm.RegisterCr3].(vm.Register64)),
		RSP:    uint64(regs[vm.RegisterRsp].(vm.Register64)),
		RIP:    uint64(regs[vm.RegisterRip].(vm.Register64)),
		RFLAGS: uint64(regs[vm.RegisterRflags].(vm.Register64)),
	}, nil
}
