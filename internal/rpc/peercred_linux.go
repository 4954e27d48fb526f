//go:build linux

package rpc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID resolves the effective UID of the process on the other end of a
// Unix-domain socket connection via SO_PEERCRED. Tairseach targets macOS;
// this build is kept only so the package compiles on a Linux development
// machine.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}

	var uid uint32
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, gerr := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if gerr != nil {
			sockErr = fmt.Errorf("getsockopt SO_PEERCRED: %w", gerr)
			return
		}
		uid = ucred.Uid
	}); err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uid, nil
}
