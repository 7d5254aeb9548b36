//go:build unix

package transport

import (
	"errors"
	"syscall"
)

// discardQueued reads and drops the datagrams already queued on conn without
// waiting for more. It reports false when conn does not expose its
// descriptor.
func discardQueued(conn any, buf []byte) (bool, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}

	var readErr error
	err = rc.Read(func(fd uintptr) bool {
		for i := 0; i < drainLimit; i++ {
			_, err := syscall.Read(int(fd), buf)
			switch {
			case err == nil, errors.Is(err, syscall.EINTR), errors.Is(err, syscall.ECONNREFUSED):
				// A pending ICMP refusal is stale too.
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				return true
			default:
				readErr = err
				return true
			}
		}
		return true
	})
	if err != nil {
		return true, err
	}
	return true, readErr
}
