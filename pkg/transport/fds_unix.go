//go:build !windows

package transport

import (
	"os"
	"strconv"
	"syscall"

	"github.com/go-pkgz/lgr"
)

// sanitizeInheritedFDs marks every file descriptor above stderr that this
// process currently holds open as close-on-exec, so a freshly spawned worker
// cannot silently inherit a listening socket or other privileged handle.
// os/exec already limits a child to stdin/stdout/stderr plus cmd.ExtraFiles;
// this closes the remaining gap for descriptors that entered the process
// without O_CLOEXEC — inherited at process start, or opened via a raw
// syscall that bypassed the os package's own CLOEXEC default.
func sanitizeInheritedFDs(log lgr.L) {
	fds, err := enumerateOpenFDs()
	if err != nil {
		log.Logf("[WARN] transport: could not enumerate open file descriptors: %v", err)
		return
	}
	for _, fd := range fds {
		if fd <= 2 {
			continue
		}
		syscall.CloseOnExec(fd)
	}
}

// enumerateOpenFDs lists the process's open file descriptors, preferring
// /dev/fd and falling back to probing a bounded range when it is
// unavailable (e.g. a minimal container image without procfs mounted).
func enumerateOpenFDs() ([]int, error) {
	entries, err := os.ReadDir("/dev/fd")
	if err == nil {
		fds := make([]int, 0, len(entries))
		for _, e := range entries {
			n, convErr := strconv.Atoi(e.Name())
			if convErr != nil {
				continue
			}
			fds = append(fds, n)
		}
		return fds, nil
	}

	const probeCeiling = 1024
	var fds []int
	for fd := 3; fd <= probeCeiling; fd++ {
		if fdIsOpen(fd) {
			fds = append(fds, fd)
		}
	}
	return fds, nil
}

func fdIsOpen(fd int) bool {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), uintptr(syscall.F_GETFD), 0)
	return errno == 0
}
