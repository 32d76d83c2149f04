package treefs

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotFound indicates no live node answers to the requested name or identity
	ErrNotFound = errors.New("no such node")

	// ErrExist indicates a live sibling already carries the requested name
	ErrExist = errors.New("node already exists")

	// ErrNotDir indicates a directory operation targeted a non-directory
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir indicates a file operation targeted a directory
	ErrIsDir = errors.New("is a directory")

	// ErrNotEmpty indicates attempt to remove non-empty directory
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNameTooLong indicates a name over the configured bound under the reject policy
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidName indicates an empty or reserved name, or one containing '/' or NUL
	ErrInvalidName = errors.New("invalid name")

	// ErrNoSpace indicates identity or node allocation exhaustion
	ErrNoSpace = errors.New("no space for new node")
)

// Error wraps tree operation errors with the operation and the
// affected name for more detailed error information.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "rmdir")
	Name string // Affected name or path
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns err wrapped with op and name
func NewError(op, name string, err error) error {
	return &Error{Op: op, Name: name, Err: err}
}

// ToErrno converts an error to the errno a host filesystem layer expects.
// Errors outside the tree's taxonomy map to EIO.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExist):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
