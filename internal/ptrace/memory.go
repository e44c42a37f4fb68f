package ptrace

import (
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = uint64(os.Getpagesize())

// ReadCString reads a NUL-terminated string out of another process's
// address space via process_vm_readv(2), the way the original's
// read_string_from_process does. It reads at most maxLen bytes and never
// crosses a page boundary per chunk: per process_vm_readv(2), a read that
// spans an unmapped page can fail with EFAULT even though the mapped part
// holds the data (and the terminating NUL) we want.
func ReadCString(pid int, remoteAddr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		return "", nil
	}

	buf := make([]byte, 0, maxLen)
	var readTotal uint64
	for readTotal < uint64(maxLen) {
		readNext := uint64(maxLen) - readTotal
		if readNext > pageSize {
			readNext = pageSize
		}
		pageOffset := (remoteAddr + readTotal + readNext) & (pageSize - 1)
		if readNext > pageOffset {
			readNext -= pageOffset
		}
		if readNext == 0 {
			break
		}

		chunk := make([]byte, readNext)
		local := []unix.Iovec{{Base: &chunk[0]}}
		local[0].SetLen(len(chunk))
		remote := []unix.RemoteIovec{{Base: uintptr(remoteAddr + readTotal), Len: len(chunk)}}

		n, err := unix.ProcessVMReadv(pid, local, remote, 0)
		if err != nil {
			if err == unix.EFAULT {
				// can't read further; return what we have so far.
				break
			}
			return "", err
		}

		if idx := indexByte(chunk[:n]); idx >= 0 {
			buf = append(buf, chunk[:idx]...)
			return string(buf), nil
		}
		buf = append(buf, chunk[:n]...)
		readTotal += uint64(n)

		if uint64(n) != readNext {
			break
		}
	}

	return string(buf), nil
}

func indexByte(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
