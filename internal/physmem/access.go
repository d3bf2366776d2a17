package physmem

import (
	"encoding/binary"

	"github.com/tinyrange/bootchain/internal/mem"
)

// ReadU16 reads a little-endian uint16 at addr.
func ReadU16(m Memory, addr mem.PhysAddr) (uint16, error) {
	var buf [2]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteU16 writes v little-endian at addr.
func WriteU16(m Memory, addr mem.PhysAddr, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// ReadU32 reads a little-endian uint32 at addr.
func ReadU32(m Memory, addr mem.PhysAddr) (uint32, error) {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a little-endian uint64 at addr.
func ReadU64(m Memory, addr mem.PhysAddr) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU32 writes v little-endian at addr.
func WriteU32(m Memory, addr mem.PhysAddr, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// WriteU64 writes v little-endian at addr.
func WriteU64(m Memory, addr mem.PhysAddr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// Zero clears n bytes starting at addr.
func Zero(m Memory, addr mem.PhysAddr, n uint64) error {
	return Fill(m, addr, n, 0)
}

// Fill writes n copies of b starting at addr.
func Fill(m Memory, addr mem.PhysAddr, n uint64, b byte) error {
	const chunkSize = 64 * 1024

	size := n
	if size > chunkSize {
		size = chunkSize
	}
	chunk := make([]byte, size)
	if b != 0 {
		for i := range chunk {
			chunk[i] = b
		}
	}

	off := int64(addr)
	for n > 0 {
		step := uint64(len(chunk))
		if step > n {
			step = n
		}
		if _, err := m.WriteAt(chunk[:step], off); err != nil {
			return err
		}
		off += int64(step)
		n -= step
	}
	return nil
}
