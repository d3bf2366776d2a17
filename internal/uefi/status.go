// Package uefi models the slice of the UEFI boot services boundary the
// boot chain consumes: status codes, the memory map, pool allocation,
// the simple file system, and the exit protocol.
package uefi

import (
	"errors"
	"fmt"
)

// Status is an EFI_STATUS value returned across the firmware boundary.
type Status uintptr

const (
	StatusSuccess          Status = 0
	StatusLoadError        Status = 1
	StatusInvalidParameter Status = 2
	StatusUnsupported      Status = 3
	StatusBadBufferSize    Status = 4
	StatusBufferTooSmall   Status = 5
	StatusNotReady         Status = 6
	StatusDeviceError      Status = 7
	StatusWriteProtected   Status = 8
	StatusOutOfResources   Status = 9
	StatusNotFound         Status = 14
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusLoadError:
		return "Load Error"
	case StatusInvalidParameter:
		return "Invalid Parameter"
	case StatusUnsupported:
		return "Unsupported"
	case StatusBadBufferSize:
		return "Bad Buffer Size"
	case StatusBufferTooSmall:
		return "Buffer Too Small"
	case StatusNotReady:
		return "Not Ready"
	case StatusDeviceError:
		return "Device Error"
	case StatusWriteProtected:
		return "Write Protected"
	case StatusOutOfResources:
		return "Out of Resources"
	case StatusNotFound:
		return "Not Found"
	default:
		return "Unknown Error"
	}
}

// StatusError carries a non-success firmware status through Go error
// handling.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (0x%016x)", e.Op, e.Status, uint64(e.Status))
}

// Err converts the status into an error for the named operation, nil on
// success.
func (s Status) Err(op string) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}

// StatusOf extracts the firmware status from err if one is present.
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
