// Package vm models the machine the boot chain runs against: a guest
// physical memory image, an amd64 register file, an x86 port bus for
// devices, and a halt latch. It executes nothing; components drive the
// machine state directly and tests inspect it.
package vm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/bootchain/internal/physmem"
)

// RegisterValue is a value stored in a machine register.
type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags
	RegisterCr3
)

var registerNames = map[Register]string{
	RegisterRax:    "rax",
	RegisterRbx:    "rbx",
	RegisterRcx:    "rcx",
	RegisterRdx:    "rdx",
	RegisterRsi:    "rsi",
	RegisterRdi:    "rdi",
	RegisterRsp:    "rsp",
	RegisterRbp:    "rbp",
	RegisterR8:     "r8",
	RegisterR9:     "r9",
	RegisterR10:    "r10",
	RegisterR11:    "r11",
	RegisterR12:    "r12",
	RegisterR13:    "r13",
	RegisterR14:    "r14",
	RegisterR15:    "r15",
	RegisterRip:    "rip",
	RegisterRflags: "rflags",
	RegisterCr3:    "cr3",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// GeneralPurposeRegisters lists every register that must be scrubbed
// before control leaves the boot phase. RSP is deliberately absent.
var GeneralPurposeRegisters = []Register{
	RegisterRax, RegisterRbx, RegisterRcx, RegisterRdx,
	RegisterRsi, RegisterRdi, RegisterRbp,
	RegisterR8, RegisterR9, RegisterR10, RegisterR11,
	RegisterR12, RegisterR13, RegisterR14, RegisterR15,
}

// Device is attached to a machine with AddDevice.
type Device interface {
	Init(m *Machine) error
}

// X86IOPortDevice claims a set of I/O ports on the machine's port bus.
type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// Machine is a software stand-in for one amd64 guest.
type Machine struct {
	mu      sync.Mutex
	memory  *physmem.Image
	regs    map[Register]uint64
	ports   map[uint16]X86IOPortDevice
	devices []Device
	halted  bool
}

var _ physmem.Memory = (*Machine)(nil)

func NewMachine(memorySize uint64) (*Machine, error) {
	img, err := physmem.NewImage(memorySize)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}
	return &Machine{
		memory: img,
		regs:   make(map[Register]uint64),
		ports:  make(map[uint16]X86IOPortDevice),
	}, nil
}

func (m *Machine) Close() error {
	return m.memory.Close()
}

// ReadAt implements physmem.Memory against guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	return m.memory.ReadAt(p, off)
}

// WriteAt implements physmem.Memory against guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	return m.memory.WriteAt(p, off)
}

func (m *Machine) Size() uint64 {
	return m.memory.Size()
}

// AddDevice attaches a device, claiming its ports if it has any. A port
// already claimed by another device is an error.
func (m *Machine) AddDevice(dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if portDev, ok := dev.(X86IOPortDevice); ok {
		for _, port := range portDev.IOPorts() {
			if _, taken := m.ports[port]; taken {
				return fmt.Errorf("vm: I/O port 0x%X already claimed", port)
			}
		}
		for _, port := range portDev.IOPorts() {
			m.ports[port] = portDev
		}
	}
	m.devices = append(m.devices, dev)

	return dev.Init(m)
}

// ReadIOPort dispatches a port read to the owning device.
func (m *Machine) ReadIOPort(port uint16, data []byte) error {
	m.mu.Lock()
	dev, ok := m.ports[port]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: unhandled read from I/O port 0x%X", port)
	}
	return dev.ReadIOPort(port, data)
}

// WriteIOPort dispatches a port write to the owning device.
func (m *Machine) WriteIOPort(port uint16, data []byte) error {
	m.mu.Lock()
	dev, ok := m.ports[port]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: unhandled write to I/O port 0x%X", port)
	}
	return dev.WriteIOPort(port, data)
}

// SetRegisters stores the given register values.
func (m *Machine) SetRegisters(regs map[Register]RegisterValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for reg, val := range regs {
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("vm: unknown register %d", uint64(reg))
		}
		v64, ok := val.(Register64)
		if !ok {
			return fmt.Errorf("vm: unsupported value type %T for %s", val, reg)
		}
		m.regs[reg] = uint64(v64)
	}
	return nil
}

// GetRegisters fills in the value for every register named by a key of
// regs. Registers never written read as zero.
func (m *Machine) GetRegisters(regs map[Register]RegisterValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for reg := range regs {
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("vm: unknown register %d", uint64(reg))
		}
		regs[reg] = Register64(m.regs[reg])
	}
	return nil
}

// Halt latches the machine halted. There is no way to unlatch it.
func (m *Machine) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
}

func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}
