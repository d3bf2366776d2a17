//go:build !linux

package physmem

func allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func release(buf []byte) error {
	return nil
}
