// Package vmm implements lux's virtual memory manager: lazy page
// population over an address-space page table, an MMIO window allocator,
// user/kernel heap arenas, and user-space address-space cloning.
//
// Grounded on _examples/original_source/src/memory/virtual.c (vmmAllocate's
// sliding-window free-range search, no-physical-backing-until-fault
// strategy), memory/brk.c (heap growth via sbrk), and memory/mmio.c (whose
// body is a stub in the original — spec.md §9 Open Question (b) asks for it
// to be specified and implemented here).
package vmm

import (
	"encoding/binary"

	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/pmm"
)

const PageSize = pmm.PageSize

// Flag is the attribute set the VMM reports for a mapping (spec.md §3's
// {Present, Swap, User, Exec, Write, NoCache, Error}).
type Flag uint32

const (
	Present Flag = 1 << iota
	Swap
	User
	Exec
	Write
	NoCache
	Error
)

// pending marks why a non-present page's fault should be serviced: by
// pulling a fresh frame (Allocate) or by restoring from swap (future work,
// per spec.md §4.2).
type pending int

const (
	pendingNone pending = iota
	pendingAllocate
	pendingSwap
)

type pageEntry struct {
	present bool
	phys    uint64
	flags   Flag
	pend    pending
}

// AddressSpace is a process's page table. Kernel mappings are installed
// into every address space identically (spec.md §3); user mappings are
// private to one AddressSpace.
type AddressSpace struct {
	mu    deadlock.Mutex
	pages map[uint64]*pageEntry

	// userHeapBreak is the bump pointer for this space's user heap arena
	// (spec.md §4.2's "user heap in [USER_HEAP_BASE, USER_HEAP_LIMIT)"),
	// also sbrk's current break.
	userHeapBreak uint64
	userAllocs    map[uint64]heapAllocation
}

// Manager is the VMM. It owns the PMM it allocates backing frames from, the
// kernel address space whose mappings are mirrored into every user space,
// and the MMIO window allocator.
type Manager struct {
	pmm *pmm.Manager

	mu      deadlock.Mutex
	kernel  *AddressSpace
	memory  map[uint64][]byte // simulated physical frame contents, keyed by phys addr
	mmioWin map[uint64]mmioWindow

	kernelHeapBase, kernelHeapLimit uint64
	userHeapBase, userHeapLimit     uint64
	mmioBase, mmioLimit             uint64
	kernelHeapNext                  uint64
	mmioNext                        uint64
	kernelAllocs                    map[uint64]heapAllocation
}

// heapAllocation is the bookkeeping a malloc() call keeps so Free can find
// the whole page run (header + payload + guard) from the payload address
// it handed back, mirroring the header page spec.md §4.2 describes
// ("a header page carrying byte/page size").
type heapAllocation struct {
	headerVirt uint64
	pageCount  uint64
	size       uint64
}

// heapHeaderSize is the byte/page-size record spec.md §4.2 says the header
// page carries, laid out here as two little-endian uint64s.
const heapHeaderSize = 16

type mmioWindow struct {
	virt  uint64
	count uint64
	flags Flag
}

// Config carries the address ranges spec.md §4.2 names.
type Config struct {
	KernelHeapBase, KernelHeapLimit uint64
	UserHeapBase, UserHeapLimit     uint64
	MMIOBase, MMIOLimit             uint64
}

// New builds a VMM on top of a PMM.
func New(p *pmm.Manager, cfg Config) *Manager {
	return &Manager{
		pmm:            p,
		kernel:         &AddressSpace{pages: make(map[uint64]*pageEntry)},
		memory:         make(map[uint64][]byte),
		mmioWin:        make(map[uint64]mmioWindow),
		kernelHeapBase: cfg.KernelHeapBase, kernelHeapLimit: cfg.KernelHeapLimit,
		userHeapBase: cfg.UserHeapBase, userHeapLimit: cfg.UserHeapLimit,
		mmioBase: cfg.MMIOBase, mmioLimit: cfg.MMIOLimit,
		kernelHeapNext: cfg.KernelHeapBase,
		mmioNext:       cfg.MMIOBase,
		kernelAllocs:   make(map[uint64]heapAllocation),
	}
}

// NewAddressSpace creates a fresh user address space with the kernel half
// mirrored in (clone-kernel, spec.md §4.2).
func (m *Manager) NewAddressSpace() *AddressSpace {
	space := &AddressSpace{
		pages:         make(map[uint64]*pageEntry),
		userHeapBreak: m.userHeapBase,
		userAllocs:    make(map[uint64]heapAllocation),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, e := range m.kernel.pages {
		cp := *e
		space.pages[addr] = &cp
	}
	return space
}

// Kernel returns the shared kernel address space.
func (m *Manager) Kernel() *AddressSpace { return m.kernel }

// isUsed reports whether a virtual page is Present or Swap (spec.md §4.2
// vmmIsUsed).
func isUsed(space *AddressSpace, addr uint64) bool {
	e, ok := space.pages[addr]
	if !ok {
		return false
	}
	return e.flags&(Present|Swap) != 0
}

// Allocate finds pageCount consecutive free virtual pages in [base, limit),
// installs a populate-on-first-access sentinel for each, and returns the
// starting address. It never touches the PMM directly.
func (m *Manager) Allocate(space *AddressSpace, base, limit uint64, pageCount uint64, flags Flag) uint64 {
	if pageCount == 0 || limit < base || limit-base < pageCount*PageSize {
		return 0
	}

	space.mu.Lock()
	defer space.mu.Unlock()

	end := limit - pageCount*PageSize
	for start := base; start <= end; start += PageSize {
		busy := false
		for addr := start; addr < start+pageCount*PageSize; addr += PageSize {
			if isUsed(space, addr) {
				busy = true
				break
			}
		}
		if !busy {
			for i := uint64(0); i < pageCount; i++ {
				space.pages[start+i*PageSize] = &pageEntry{flags: flags, pend: pendingAllocate}
			}
			return start
		}
	}
	return 0
}

// AllocateAt installs a populate-on-first-access sentinel across
// [addr, addr+pageCount*PageSize) exactly, failing if any page in that
// range is already used. This is what a position-dependent ELF image
// needs (its segments name fixed virtual addresses), unlike Allocate's
// sliding-window search for brk/mmap-style requests.
func (m *Manager) AllocateAt(space *AddressSpace, addr uint64, pageCount uint64, flags Flag) errno.Errno {
	space.mu.Lock()
	defer space.mu.Unlock()

	for i := uint64(0); i < pageCount; i++ {
		if isUsed(space, addr+i*PageSize) {
			return errno.EEXIST
		}
	}
	for i := uint64(0); i < pageCount; i++ {
		space.pages[addr+i*PageSize] = &pageEntry{flags: flags, pend: pendingAllocate}
	}
	return 0
}

// Free unmaps n pages starting at addr, returning any backing frames to the
// PMM.
func (m *Manager) Free(space *AddressSpace, addr uint64, n uint64) errno.Errno {
	space.mu.Lock()
	defer space.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		a := addr + i*PageSize
		e, ok := space.pages[a]
		if !ok {
			continue
		}
		if e.present {
			m.pmm.Free(e.phys)
			m.mu.Lock()
			delete(m.memory, e.phys)
			m.mu.Unlock()
		}
		delete(space.pages, a)
	}
	return 0
}

// DestroyAddressSpace releases every present frame the space owns back to
// the PMM. Used by exec() and thread reaping once a space is no longer
// referenced by any thread (spec.md §4.8 step 4's "free the old address
// space").
func (m *Manager) DestroyAddressSpace(space *AddressSpace) {
	space.mu.Lock()
	defer space.mu.Unlock()

	for addr, e := range space.pages {
		if e.present {
			m.pmm.Free(e.phys)
			m.mu.Lock()
			delete(m.memory, e.phys)
			m.mu.Unlock()
		}
		delete(space.pages, addr)
	}
}

// PageStatus returns the flags and backing physical address of a page.
func (m *Manager) PageStatus(space *AddressSpace, virt uint64) (Flag, uint64) {
	space.mu.Lock()
	defer space.mu.Unlock()

	e, ok := space.pages[virt]
	if !ok {
		return 0, 0
	}
	return e.flags, e.phys
}

// SetFlags changes the protection of n pages without re-mapping them.
func (m *Manager) SetFlags(space *AddressSpace, virt uint64, n uint64, flags Flag) errno.Errno {
	space.mu.Lock()
	defer space.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		e, ok := space.pages[virt+i*PageSize]
		if !ok {
			return errno.EFAULT
		}
		present := e.flags & Present
		e.flags = flags | present
	}
	return 0
}

// PageFault services a non-present-page exception. If the sentinel encodes
// Allocate, a fresh frame is pulled from the PMM and mapped with the
// encoded protection. Swap sentinels are future work and fault again;
// anything else is fatal to the caller (spec.md §4.2).
func (m *Manager) PageFault(space *AddressSpace, virt uint64) errno.Errno {
	space.mu.Lock()
	defer space.mu.Unlock()

	addr := virt &^ (PageSize - 1)
	e, ok := space.pages[addr]
	if !ok {
		return errno.EFAULT
	}
	if e.present {
		return 0
	}

	switch e.pend {
	case pendingAllocate:
		phys := m.pmm.Allocate()
		if phys == 0 {
			return errno.ENOMEM
		}
		e.phys = phys
		e.present = true
		e.flags |= Present
		e.pend = pendingNone

		m.mu.Lock()
		m.memory[phys] = make([]byte, PageSize)
		m.mu.Unlock()
		return 0
	case pendingSwap:
		return errno.EIO // swap restore is not implemented (spec.md §4.2 "future work")
	default:
		return errno.EFAULT // fatal to the offending thread
	}
}

// Mmio builds (or reuses) a writable, non-cached virtual alias over a
// physical region inside the reserved MMIO range. The same physical
// address maps to a stable virtual alias across repeated calls (spec.md
// §4.2 Open Question (b): the mmio() stub, specified and implemented here).
func (m *Manager) Mmio(physBase uint64, count uint64, flags Flag) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.mmioWin[physBase]; ok && w.count >= count {
		return w.virt
	}

	if m.mmioLimit-m.mmioNext < count*PageSize {
		return 0
	}
	virt := m.mmioNext
	m.mmioNext += count * PageSize

	m.kernel.mu.Lock()
	for i := uint64(0); i < count; i++ {
		m.kernel.pages[virt+i*PageSize] = &pageEntry{
			present: true,
			phys:    physBase + i*PageSize,
			flags:   flags | Present | Write | NoCache,
		}
	}
	m.kernel.mu.Unlock()

	m.mmioWin[physBase] = mmioWindow{virt: virt, count: count, flags: flags}
	return virt
}

// UnmapMmio tears down a window created by Mmio.
func (m *Manager) UnmapMmio(physBase uint64) errno.Errno {
	m.mu.Lock()
	w, ok := m.mmioWin[physBase]
	if !ok {
		m.mu.Unlock()
		return errno.EINVAL
	}
	delete(m.mmioWin, physBase)
	m.mu.Unlock()

	m.kernel.mu.Lock()
	for i := uint64(0); i < w.count; i++ {
		delete(m.kernel.pages, w.virt+i*PageSize)
	}
	m.kernel.mu.Unlock()
	return 0
}

// CloneUserSpace deep-copies every present user mapping of src into a new
// address space: intermediate structure is a fresh map, leaf frames are
// freshly allocated from the PMM and their bytes copied verbatim. The
// kernel half is shared by construction (NewAddressSpace already mirrored
// it in, and kernel pages are never touched here). A partial failure frees
// nothing it already allocated — the caller is expected to destroy the
// nascent process on error, matching spec.md §4.2 "Failure modes".
func (m *Manager) CloneUserSpace(src *AddressSpace) (*AddressSpace, errno.Errno) {
	dst := m.NewAddressSpace()

	src.mu.Lock()
	defer src.mu.Unlock()
	dst.userHeapBreak = src.userHeapBreak
	for addr, a := range src.userAllocs {
		dst.userAllocs[addr] = a
	}

	for addr, e := range src.pages {
		if e.flags&User == 0 {
			continue // kernel half already mirrored
		}
		cp := &pageEntry{flags: e.flags, pend: e.pend}
		if e.present {
			phys := m.pmm.Allocate()
			if phys == 0 {
				return nil, errno.ENOMEM
			}
			m.mu.Lock()
			buf := make([]byte, PageSize)
			copy(buf, m.memory[e.phys])
			m.memory[phys] = buf
			m.mu.Unlock()

			cp.present = true
			cp.phys = phys
		}
		dst.mu.Lock()
		dst.pages[addr] = cp
		dst.mu.Unlock()
	}
	return dst, 0
}

// ReadPhysical/WritePhysical simulate the byte contents of a physical
// frame, standing in for the real memcpy a platform paging layer would do;
// used by heap allocation and exec image loading.
func (m *Manager) WritePhysical(phys uint64, offset int, data []byte) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.memory[phys]
	if !ok {
		return errno.EFAULT
	}
	if offset < 0 || offset+len(data) > len(buf) {
		return errno.ERANGE
	}
	copy(buf[offset:], data)
	return 0
}

func (m *Manager) ReadPhysical(phys uint64, offset, length int) ([]byte, errno.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.memory[phys]
	if !ok {
		return nil, errno.EFAULT
	}
	if offset < 0 || offset+length > len(buf) {
		return nil, errno.ERANGE
	}
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, 0
}

// CopyOut writes data into a user buffer at virt, page-faulting in any page
// that is not yet backed by a physical frame. This is what a syscall
// completion uses to satisfy spec.md §4.6's "copy into the caller's
// buffer" actions (READ, STAT, READDIR, READLINK).
func (m *Manager) CopyOut(space *AddressSpace, virt uint64, data []byte) errno.Errno {
	for written := 0; written < len(data); {
		addr := virt + uint64(written)
		pageAddr := addr &^ (PageSize - 1)
		offset := int(addr - pageAddr)

		if e := m.PageFault(space, addr); e != 0 {
			return e
		}
		_, phys := m.PageStatus(space, pageAddr)

		chunk := int(PageSize) - offset
		if remaining := len(data) - written; chunk > remaining {
			chunk = remaining
		}
		if e := m.WritePhysical(phys, offset, data[written:written+chunk]); e != 0 {
			return e
		}
		written += chunk
	}
	return 0
}

// CopyIn reads length bytes out of a user buffer at virt (WRITE's request
// payload comes from here).
func (m *Manager) CopyIn(space *AddressSpace, virt uint64, length int) ([]byte, errno.Errno) {
	out := make([]byte, 0, length)
	for len(out) < length {
		addr := virt + uint64(len(out))
		pageAddr := addr &^ (PageSize - 1)
		offset := int(addr - pageAddr)

		if e := m.PageFault(space, addr); e != 0 {
			return nil, e
		}
		_, phys := m.PageStatus(space, pageAddr)

		chunk := int(PageSize) - offset
		if remaining := length - len(out); chunk > remaining {
			chunk = remaining
		}
		data, e := m.ReadPhysical(phys, offset, chunk)
		if e != 0 {
			return nil, e
		}
		out = append(out, data...)
	}
	return out, 0
}

// mallocIn lays out one heap allocation starting at *next within
// [base, limit): a present header page, ⌈size/pageSize⌉ present payload
// pages, and one unmapped guard page, ⌈size/pageSize⌉ + 2 pages in all.
// It returns the virtual address of the payload (just past the header
// page).
func (m *Manager) mallocIn(space *AddressSpace, base, limit uint64, next *uint64, allocs map[uint64]heapAllocation, size uint64, flags Flag) (uint64, errno.Errno) {
	if size == 0 {
		return 0, errno.EINVAL
	}

	pages := (size+PageSize-1)/PageSize + 2
	start := *next
	if start < base {
		start = base
	}
	if limit < start || limit-start < pages*PageSize {
		return 0, errno.ENOMEM
	}

	residentPages := pages - 1 // everything but the trailing guard page
	allocated := make([]uint64, 0, residentPages)
	for i := uint64(0); i < residentPages; i++ {
		phys := m.pmm.Allocate()
		if phys == 0 {
			for _, a := range allocated {
				m.pmm.Free(a)
				delete(space.pages, start+uint64(len(allocated))*PageSize)
			}
			return 0, errno.ENOMEM
		}
		allocated = append(allocated, phys)

		addr := start + i*PageSize
		space.pages[addr] = &pageEntry{present: true, phys: phys, flags: flags | Present}

		m.mu.Lock()
		m.memory[phys] = make([]byte, PageSize)
		m.mu.Unlock()
	}
	// the final page is left entirely unmapped: a guard page that faults
	// forever, since PageFault treats an absent map entry as EFAULT.

	headerVirt := start
	payloadVirt := start + PageSize

	*next = start + pages*PageSize
	allocs[payloadVirt] = heapAllocation{headerVirt: headerVirt, pageCount: pages, size: size}

	_, headerPhys := m.pageStatusLocked(space, headerVirt)
	hdr := make([]byte, heapHeaderSize)
	binary.LittleEndian.PutUint64(hdr[0:8], size)
	binary.LittleEndian.PutUint64(hdr[8:16], pages)
	m.WritePhysical(headerPhys, 0, hdr)

	return payloadVirt, 0
}

// pageStatusLocked is PageStatus without re-acquiring space.mu, for callers
// that already hold it (mallocIn, freeIn).
func (m *Manager) pageStatusLocked(space *AddressSpace, virt uint64) (Flag, uint64) {
	e, ok := space.pages[virt]
	if !ok {
		return 0, 0
	}
	return e.flags, e.phys
}

// freeIn releases every resident page of a malloc() allocation located at
// payloadVirt, found via its header page's recorded page count.
func (m *Manager) freeIn(space *AddressSpace, allocs map[uint64]heapAllocation, payloadVirt uint64) errno.Errno {
	a, ok := allocs[payloadVirt]
	if !ok {
		return errno.EINVAL
	}
	delete(allocs, payloadVirt)

	for i := uint64(0); i < a.pageCount-1; i++ {
		addr := a.headerVirt + i*PageSize
		e, ok := space.pages[addr]
		if ok && e.present {
			m.pmm.Free(e.phys)
			m.mu.Lock()
			delete(m.memory, e.phys)
			m.mu.Unlock()
		}
		delete(space.pages, addr)
	}
	return 0
}

// MallocKernel reserves size bytes in the kernel heap arena, returning the
// payload's virtual address (spec.md §4.2's kernel heap in
// [KERNEL_HEAP_BASE, KERNEL_HEAP_LIMIT)).
func (m *Manager) MallocKernel(size uint64) (uint64, errno.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mallocIn(m.kernel, m.kernelHeapBase, m.kernelHeapLimit, &m.kernelHeapNext, m.kernelAllocs, size, Write)
}

// FreeKernel releases a MallocKernel allocation.
func (m *Manager) FreeKernel(virt uint64) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeIn(m.kernel, m.kernelAllocs, virt)
}

// MallocUser reserves size bytes in space's user heap arena (spec.md §4.2's
// user heap in [USER_HEAP_BASE, USER_HEAP_LIMIT)).
func (m *Manager) MallocUser(space *AddressSpace, size uint64) (uint64, errno.Errno) {
	space.mu.Lock()
	defer space.mu.Unlock()
	return m.mallocIn(space, m.userHeapBase, m.userHeapLimit, &space.userHeapBreak, space.userAllocs, size, User|Write)
}

// FreeUser releases a MallocUser allocation.
func (m *Manager) FreeUser(space *AddressSpace, virt uint64) errno.Errno {
	space.mu.Lock()
	defer space.mu.Unlock()
	return m.freeIn(space, space.userAllocs, virt)
}

// Sbrk grows (delta > 0) or shrinks (delta < 0) the user heap break by
// delta bytes and returns the break's value *before* the adjustment, the
// classic sbrk(2) contract the `sbrk` syscall ordinal needs (spec.md §4.2,
// "the sbrk ordinal has no backing"). Shrinking below UserHeapBase or
// growing past UserHeapLimit fails with ENOMEM and leaves the break
// untouched.
func (m *Manager) Sbrk(space *AddressSpace, delta int64) (uint64, errno.Errno) {
	space.mu.Lock()
	defer space.mu.Unlock()

	current := space.userHeapBreak
	if current == 0 {
		current = m.userHeapBase
	}

	next := int64(current) + delta
	if next < int64(m.userHeapBase) || uint64(next) > m.userHeapLimit {
		return 0, errno.ENOMEM
	}
	space.userHeapBreak = uint64(next)
	return current, 0
}
