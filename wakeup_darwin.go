//go:build darwin

package tickloop

import (
	"syscall"
)

// createWakeFd creates a non-blocking self-pipe for wake-up notifications
// (Darwin). Returns the read end and the write end of the pipe.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}

	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])

	for _, fd := range fds {
		if err := syscall.SetNonblock(fd, true); err != nil {
			syscall.Close(fds[0])
			syscall.Close(fds[1])
			return 0, 0, err
		}
	}

	return fds[0], fds[1], nil
}
