package vm

import (
	"io"
	"sync"
)

// Com1Base is the port base of the first serial device.
const Com1Base uint16 = 0x3F8

const (
	serialRegisterCount = 8

	serialLCRDLAB = 1 << 7

	serialLSRTHRE = 1 << 5
	serialLSRTEMT = 1 << 6

	serialMSRCTS = 1 << 4
	serialMSRDSR = 1 << 5
	serialMSRDCD = 1 << 7
)

// Serial8250 is a write-side UART. Bytes written to the transmit
// register stream to out exactly as the guest sent them; the line status
// register always reports the transmitter idle, so polling loops never
// spin. There is no receive path and no interrupt delivery.
type Serial8250 struct {
	mu   sync.Mutex
	base uint16
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	scr byte

	txBytes uint64
}

func NewSerial8250(base uint16, out io.Writer) *Serial8250 {
	return &Serial8250{base: base, out: out}
}

// Init implements Device.
func (s *Serial8250) Init(m *Machine) error {
	return nil
}

// IOPorts implements X86IOPortDevice.
func (s *Serial8250) IOPorts() []uint16 {
	ports := make([]uint16, serialRegisterCount)
	for i := range ports {
		ports[i] = s.base + uint16(i)
	}
	return ports
}

// ReadIOPort implements X86IOPortDevice.
func (s *Serial8250) ReadIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegisterLocked(port)
	}
	return nil
}

// WriteIOPort implements X86IOPortDevice.
func (s *Serial8250) WriteIOPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, value := range data {
		s.writeRegisterLocked(port, value)
	}
	return nil
}

func (s *Serial8250) writeRegisterLocked(port uint16, value byte) {
	if port < s.base || port >= s.base+serialRegisterCount {
		return
	}

	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			s.dll = value
		} else {
			s.transmitLocked(value)
		}
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0F
		}
	case 2:
		s.fcr = value
	case 3:
		s.lcr = value
	case 4:
		s.mcr = value & 0x1F
	case 5, 6:
		// LSR and MSR are read-only.
	case 7:
		s.scr = value
	}
}

func (s *Serial8250) readRegisterLocked(port uint16) byte {
	if port < s.base || port >= s.base+serialRegisterCount {
		return 0
	}

	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dll
		}
		return 0
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		// No interrupt pending.
		return 0x01
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return serialLSRTHRE | serialLSRTEMT
	case 6:
		return serialMSRCTS | serialMSRDSR | serialMSRDCD
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *Serial8250) transmitLocked(value byte) {
	if s.out != nil {
		_, _ = s.out.Write([]byte{value})
	}
	s.txBytes++
}

// TxBytes reports how many bytes the guest has transmitted.
func (s *Serial8250) TxBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txBytes
}

var _ X86IOPortDevice = (*Serial8250)(nil)
