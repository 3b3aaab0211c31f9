package abi

import (
	"errors"
	"fmt"
)

// Errno is a Linux error number. System calls report failures as the
// negated value in the return register.
type Errno int

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EINTR        Errno = 4
	EIO          Errno = 5
	E2BIG        Errno = 7
	ENOEXEC      Errno = 8
	ECHILD       Errno = 10
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EFAULT       Errno = 14
	EEXIST       Errno = 17
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	EMFILE       Errno = 24
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	EOPNOTSUPP   Errno = 95
	ETIMEDOUT    Errno = 110
)

var errnoNames = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	ESRCH:        "no such process",
	EINTR:        "interrupted system call",
	EIO:          "input/output error",
	E2BIG:        "argument list too long",
	ENOEXEC:      "exec format error",
	ECHILD:       "no child processes",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "cannot allocate memory",
	EACCES:       "permission denied",
	EFAULT:       "bad address",
	EEXIST:       "file exists",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open files",
	ENAMETOOLONG: "file name too long",
	ENOSYS:       "function not implemented",
	EOPNOTSUPP:   "operation not supported",
	ETIMEDOUT:    "connection timed out",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

// Ret returns the value placed in the return register for this error.
func (e Errno) Ret() uint64 {
	return uint64(-int64(e))
}

// ErrnoOf extracts the Errno carried by err. Errors that do not wrap an
// Errno map to EINVAL; a nil error maps to 0.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EINVAL
}
