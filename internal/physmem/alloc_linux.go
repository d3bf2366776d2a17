package physmem

import "golang.org/x/sys/unix"

func allocate(size int) ([]byte, error) {
	buf, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, err
	}

	// Best effort, KSM may not be configured on the host.
	_ = unix.Madvise(buf, unix.MADV_MERGEABLE)

	return buf, nil
}

func release(buf []byte) error {
	return unix.Munmap(buf)
}
