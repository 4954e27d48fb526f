//go:build darwin

package rpc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID resolves the effective UID of the process on the other end of a
// Unix-domain socket connection via LOCAL_PEERCRED, the macOS analogue of
// Linux's SO_PEERCRED. This has no grounding precedent anywhere in the
// example corpus; it is written directly against the x/sys/unix API.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}

	var uid uint32
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		xucred, gerr := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if gerr != nil {
			sockErr = fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", gerr)
			return
		}
		uid = xucred.Uid
	}); err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uid, nil
}
