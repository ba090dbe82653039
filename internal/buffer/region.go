package buffer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const MMAP_MODE = unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT = unix.PROT_READ | unix.PROT_WRITE

// region is memory outside the Go heap: native slabs and file mappings.
// valid flips to false exactly once, on Release or when the owning channel
// closes. The memory itself is only handed back to the kernel when no loan
// still points into it, so a pending operation never touches unmapped pages.
type region struct {
	mem   []byte
	valid atomic.Bool

	mu      sync.Mutex
	loans   int
	freed   bool
	free    func([]byte) error
	freeErr error
}

func newRegion(mem []byte, free func([]byte) error) *region {
	r := &region{mem: mem, free: free}
	r.valid.Store(true)
	return r
}

// For native buffers - page-aligned anonymous memory. mmap refuses zero
// lengths so the slab is always at least one page.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, max(size, unix.Getpagesize()), MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

func allocNative(size int) (*region, error) {
	mem, err := AllocSlab(size)
	if err != nil {
		return nil, fmt.Errorf("allocate native buffer: %w", err)
	}
	return newRegion(mem, DeallocSlab), nil
}

func (r *region) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid.Load() {
		return ErrInvalidMapping
	}
	r.loans++
	return nil
}

func (r *region) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loans--
	if r.loans == 0 && !r.valid.Load() {
		r.freeLocked()
	}
}

// retire invalidates every view. Safe to call any number of times.
func (r *region) retire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid.Store(false)
	if r.loans == 0 {
		r.freeLocked()
	}
	return r.freeErr
}

func (r *region) freeLocked() {
	if r.freed {
		return
	}
	r.freed = true
	if r.free != nil {
		r.freeErr = r.free(r.mem)
	}
	r.mem = nil
}

// NewMapped wraps view, a window into the mapping mem, as a Mapped buffer.
// unmap runs once, after the buffer is released and no loan is outstanding.
func NewMapped(mem, view []byte, readOnly bool, unmap func([]byte) error) *Buffer {
	b := newBuffer(view[:len(view):len(view)], Mapped, newRegion(mem, unmap))
	b.readOnly = readOnly
	return b
}

// Release gives native or mapped memory back. Afterwards this buffer, its
// slices and duplicates fail every access with ErrInvalidMapping. Heap
// buffers have nothing to release.
func (b *Buffer) Release() error {
	if b.reg == nil {
		return nil
	}
	return b.reg.retire()
}

func nop() {}

// pin holds native or mapped memory for the length of one access, so a
// concurrent Release can't unmap it underneath. The returned func unpins.
func (b *Buffer) pin() (func(), error) {
	if b.reg == nil {
		return nop, nil
	}
	if err := b.reg.acquire(); err != nil {
		return nil, err
	}
	return b.reg.release, nil
}

// Valid reports whether the storage can still be accessed.
func (b *Buffer) Valid() bool {
	return b.reg == nil || b.reg.valid.Load()
}

// Sync flushes a writable mapping back to its file.
func (b *Buffer) Sync() error {
	if b.kind != Mapped {
		return nil
	}
	if err := b.checkWrite(); err != nil {
		return err
	}
	if err := b.reg.acquire(); err != nil {
		return err
	}
	defer b.reg.release()
	return unix.Msync(b.reg.mem, unix.MS_SYNC)
}
