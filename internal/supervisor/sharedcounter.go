package supervisor

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yourusername/edgeserve/internal/engine"
)

// segmentSize holds one int64: the total-accepted-connections counter.
const segmentSize = 8

// SharedCounterSegment owns the memfd-backed mapping behind the total
// accepted-connections counter, the only writable state shared across
// worker processes. memfd_create + mmap(MAP_SHARED) is used instead of
// a plain anonymous mapping so the segment can be handed to re-exec'd
// workers as an ordinary inherited fd via ExtraFiles, the same
// mechanism spawnWorker already uses for the listening sockets.
type SharedCounterSegment struct {
	file *os.File
	data []byte
}

// NewSharedCounterSegment creates a fresh zeroed segment, called once
// by the master before forking any worker.
func NewSharedCounterSegment() (*SharedCounterSegment, error) {
	fd, err := unix.MemfdCreate("edgeserve-counter", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, segmentSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &SharedCounterSegment{file: os.NewFile(uintptr(fd), "edgeserve-counter"), data: data}, nil
}

// Counter returns an engine.SharedCounter view over this segment's
// backing memory for use inside the master process itself. The --status
// CLI command runs in a separate process and does not use it.
func (s *SharedCounterSegment) Counter() *engine.SharedCounter {
	return engine.NewSharedCounter((*int64)(unsafe.Pointer(&s.data[0])))
}

// File returns the memfd so spawnWorker can append it to ExtraFiles.
func (s *SharedCounterSegment) File() *os.File { return s.file }

// AttachCounterFromFD mmaps the inherited counter fd (the last entry in
// ExtraFiles, by convention — see InheritedCounterFD) for use inside a
// worker process.
func AttachCounterFromFD(fd int) (*engine.SharedCounter, error) {
	data, err := unix.Mmap(fd, 0, segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("supervisor: mmap inherited counter: %w", err)
	}
	return engine.NewSharedCounter((*int64)(unsafe.Pointer(&data[0]))), nil
}

// InheritedCounterFD returns the fd number of the shared counter
// segment, which spawnWorker always appends as the last ExtraFiles
// entry, after the numListeners listening sockets.
func InheritedCounterFD(numListeners int) int {
	return firstInheritedFD + numListeners
}
