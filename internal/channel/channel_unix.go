//go:build unix

package channel

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Pair creates a connected pair. The parent end is returned ready to use; the
// child end is returned as a file to hand to exactly one child process via
// exec.Cmd.ExtraFiles. Both descriptors are close-on-exec, so neither can leak
// into any other process the parent spawns.
func Pair(maxBytes int) (*Endpoint, *os.File, error) {
	fds, err := socketpair()
	if err != nil {
		return nil, nil, err
	}

	parentFile := os.NewFile(uintptr(fds[0]), "severance-parent")
	childFile := os.NewFile(uintptr(fds[1]), "severance-child")

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("wrap parent fd: %w", err)
	}
	return newEndpoint(conn, maxBytes), childFile, nil
}

func socketpair() ([2]int, error) {
	// Hold ForkLock so no concurrent exec inherits the fds before CLOEXEC is set.
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fds, os.NewSyscallError("socketpair", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds, nil
}
