//go:build linux

package channel

import (
	"golang.org/x/sys/unix"
)

// OpenFile opens path and wraps the descriptor. The direction follows the
// access mode in flag.
func OpenFile(path string, flag int, perm uint32, opts ...Option) (*Channel, error) {
	var dir Direction
	switch flag & unix.O_ACCMODE {
	case unix.O_RDONLY:
		dir = Readable
	case unix.O_WRONLY:
		dir = Writable
	default:
		dir = Duplex
	}
	fd, err := unix.Open(path, flag|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, &IOError{Op: "open", Fd: -1, Err: err}
	}
	ch, err := New(fd, File, dir, opts...)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return ch, nil
}

// Pipe returns the read and write ends of a new pipe.
func Pipe(opts ...Option) (*Channel, *Channel, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, &IOError{Op: "pipe", Fd: -1, Err: err}
	}
	return pair(fds, Readable, Writable, opts)
}

// SocketPair returns two connected unix stream sockets.
func SocketPair(opts ...Option) (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &IOError{Op: "socketpair", Fd: -1, Err: err}
	}
	return pair(fds, Duplex, Duplex, opts)
}

func pair(fds [2]int, d0, d1 Direction, opts []Option) (*Channel, *Channel, error) {
	a, err := New(fds[0], Stream, d0, opts...)
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := New(fds[1], Stream, d1, opts...)
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}
