package firmware

import (
	"io"

	"github.com/tinyrange/bootchain/internal/uefi"
)

// volume is the root of the firmware's in-memory filesystem. It reads
// the file table it was opened with, there is no directory structure.
type volume struct {
	files  map[string][]byte
	closed bool
}

var _ uefi.Volume = (*volume)(nil)

func (v *volume) Open(name string) (uefi.File, error) {
	if v.closed {
		return nil, uefi.StatusInvalidParameter.Err("open " + name)
	}
	data, ok := v.files[name]
	if !ok {
		return nil, uefi.StatusNotFound.Err("open " + name)
	}
	return &file{data: data}, nil
}

func (v *volume) Close() error {
	v.closed = true
	return nil
}

type file struct {
	data   []byte
	pos    int
	closed bool
}

var _ uefi.File = (*file)(nil)

func (f *file) Size() (uint64, error) {
	if f.closed {
		return 0, uefi.StatusInvalidParameter.Err("stat closed file")
	}
	return uint64(len(f.data)), nil
}

func (f *file) Read(p []byte) (int, error) {
	if f.closed {
		return 0, uefi.StatusInvalidParameter.Err("read closed file")
	}
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *file) Close() error {
	if f.closed {
		return uefi.StatusInvalidParameter.Err("close file")
	}
	f.closed = true
	return nil
}
