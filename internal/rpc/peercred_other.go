//go:build !darwin && !linux

package rpc

import (
	"errors"
	"net"
)

func peerUID(conn *net.UnixConn) (uint32, error) {
	return 0, errors.New("peer credential verification is not supported on this platform")
}
