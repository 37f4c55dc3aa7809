package vmm

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// fileTable maps guest file descriptors to host files for the file-like
// hypercalls. Descriptors 0..2 are the console; guest-opened files start at
// 3. Paths are opened on the host as-is: the guest is semi-trusted, the same
// stance the file hypercalls have always had.
type fileTable struct {
	mu    sync.Mutex
	next  int32
	files map[int32]*os.File
}

func newFileTable() *fileTable {
	return &fileTable{next: 3, files: make(map[int32]*os.File)}
}

// hostErrno converts a host error to the negative errno the guest ABI
// carries in ret fields.
func hostErrno(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

func (ft *fileTable) open(path string, flags int32, mode int32) int32 {
	f, err := os.OpenFile(path, int(flags), os.FileMode(mode))
	if err != nil {
		return hostErrno(err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	fd := ft.next
	ft.next++
	ft.files[fd] = f
	return fd
}

func (ft *fileTable) get(fd int32) (*os.File, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.files[fd]
	return f, ok
}

func (ft *fileTable) close(fd int32) int32 {
	ft.mu.Lock()
	f, ok := ft.files[fd]
	delete(ft.files, fd)
	ft.mu.Unlock()

	if !ok {
		return -int32(syscall.EBADF)
	}
	if err := f.Close(); err != nil {
		return hostErrno(err)
	}
	return 0
}

func (ft *fileTable) closeAll() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for fd, f := range ft.files {
		f.Close()
		delete(ft.files, fd)
	}
}
