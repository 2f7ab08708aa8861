// Package pmm implements lux's physical memory manager: a dense bitmap
// tracking every frame of RAM, allocated under a single spinlock.
//
// Grounded line-for-line on _examples/original_source/src/memory/physical.c
// (pmmInit/pmmMark/pmmAllocate/pmmAllocateContiguous/pmmFree), translated to
// Go idiom: a []byte bitmap instead of a raw pointer, a deadlock.Mutex
// instead of the platform spinlock.
package pmm

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
)

// PageSize is the fixed page size spec.md §3 names (4 KiB).
const PageSize = 4096

// ContiguousLow restricts allocateContiguous to addresses below 4 GiB,
// spec.md §4.1's "Low" flag.
const ContiguousLow = 1 << 0

// lowAddressLimit is the last page of the 32-bit address space, matching
// physical.c's 0xFFFFF000 constant.
const lowAddressLimit = 0xFFFFF000

// MemoryType mirrors the boot memory-map entry types spec.md §6 names.
type MemoryType int

const (
	MemoryUsable MemoryType = iota + 1
	MemoryReserved
	MemoryAcpiReclaimable
	MemoryAcpiNvs
	MemoryBad
)

// MemoryMapEntry is one range from the boot memory map (spec.md §6).
type MemoryMapEntry struct {
	Base          uint64
	Length        uint64
	Type          MemoryType
	AttributesValid bool
}

// Status is a snapshot of PMM bookkeeping, returned by Manager.Status.
type Status struct {
	HighestPhysicalAddress uint64
	HighestPage            uint64
	LowestUsableAddress    uint64
	HighestUsableAddress   uint64
	UsablePages            uint64
	UsedPages              uint64
	ReservedPages          uint64
}

// Manager is the physical memory manager. All mutation is serialized by mu;
// isUsed reads may race ahead of the lock for allocator pre-checks (spec.md
// §4.1 "Concurrency") but every write re-verifies under the lock.
type Manager struct {
	mu     deadlock.Mutex
	bitmap []byte
	status Status
}

// New builds a PMM from a boot memory map. Unknown/out-of-range memory map
// types are treated as Reserved (spec.md §9 Open Question (a): this
// replaces the original `type % 5` clamp with real validation).
func New(highestPhysicalAddress uint64, kernelReservedBytes uint64, mmap []MemoryMapEntry) *Manager {
	m := &Manager{}

	m.status.HighestPhysicalAddress = highestPhysicalAddress
	m.status.HighestPage = (highestPhysicalAddress + PageSize - 1) / PageSize

	bitmapSize := (m.status.HighestPage + 7) / 8
	m.bitmap = make([]byte, bitmapSize)
	for i := range m.bitmap {
		m.bitmap[i] = 0xFF // start fully reserved
	}

	for _, e := range mmap {
		if !e.AttributesValid {
			continue
		}

		t := e.Type
		if t < MemoryUsable || t > MemoryBad {
			t = MemoryReserved
		}

		switch t {
		case MemoryUsable:
			m.initMarkContiguous(e.Base, e.Length/PageSize, false)
			if top := e.Base + e.Length; top > m.status.HighestUsableAddress {
				m.status.HighestUsableAddress = top - 1
			}
		default:
			pages := (e.Length + PageSize - 1) / PageSize
			m.initMarkContiguous(e.Base, pages, true)
		}
	}

	// reserve everything from zero through the kernel image + bitmap itself
	kernelPages := (kernelReservedBytes + bitmapSize + PageSize - 1) / PageSize
	m.markContiguous(0, kernelPages, true)
	m.status.LowestUsableAddress = kernelPages * PageSize

	return m
}

func (m *Manager) initMark(phys uint64, use bool) {
	page := phys / PageSize
	byteIdx := page / 8
	bit := uint(page % 8)
	if int(byteIdx) >= len(m.bitmap) {
		return
	}

	if use {
		m.bitmap[byteIdx] |= 1 << bit
		m.status.ReservedPages++
	} else {
		m.bitmap[byteIdx] &^= 1 << bit
		m.status.UsablePages++
	}
}

func (m *Manager) initMarkContiguous(phys uint64, count uint64, use bool) {
	for i := uint64(0); i < count; i++ {
		m.initMark(phys, use)
		phys += PageSize
	}
}

// mark sets or clears the in-use bit for a page, returning an error if the
// page is already in the requested state (detected double-free/double-use,
// never fatal per spec.md §4.1 "Failure semantics").
func (m *Manager) mark(phys uint64, use bool) errno.Errno {
	page := phys / PageSize
	byteIdx := page / 8
	bit := uint(page % 8)
	if int(byteIdx) >= len(m.bitmap) {
		return errno.EINVAL
	}

	used := (m.bitmap[byteIdx]>>bit)&1 == 1
	if use {
		if used {
			return errno.EINVAL
		}
		m.bitmap[byteIdx] |= 1 << bit
		m.status.UsedPages++
	} else {
		if !used {
			return errno.EINVAL
		}
		m.bitmap[byteIdx] &^= 1 << bit
		m.status.UsedPages--
	}
	return 0
}

func (m *Manager) markContiguous(phys uint64, count uint64, use bool) errno.Errno {
	var first errno.Errno
	for i := uint64(0); i < count; i++ {
		if e := m.mark(phys, use); e != 0 && first == 0 {
			first = e
		}
		phys += PageSize
	}
	return first
}

// IsUsed reports whether a page is in use. Pages at/above
// HighestUsableAddress are always considered used.
func (m *Manager) IsUsed(phys uint64) bool {
	if phys >= m.status.HighestUsableAddress {
		return true
	}
	page := phys / PageSize
	byteIdx := page / 8
	bit := uint(page % 8)
	if int(byteIdx) >= len(m.bitmap) {
		return true
	}
	return (m.bitmap[byteIdx]>>bit)&1 == 1
}

// Allocate returns a single free frame (first-fit), or 0 on exhaustion.
func (m *Manager) Allocate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr := m.status.LowestUsableAddress; addr < m.status.HighestUsableAddress; addr += PageSize {
		if !m.IsUsed(addr) {
			m.mark(addr, true)
			return addr
		}
	}
	return 0
}

// Free releases a single frame. Returns an error for addresses outside the
// usable range or already-free pages (double-free, detected not fatal).
func (m *Manager) Free(phys uint64) errno.Errno {
	if phys < m.status.LowestUsableAddress || phys >= m.status.HighestUsableAddress {
		return errno.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mark(phys, false)
}

// AllocateContiguous finds the first run of count free frames using a
// sliding window that, on hitting a busy page, restarts immediately after
// it (spec.md §4.1). ContiguousLow restricts the search below 4 GiB.
func (m *Manager) AllocateContiguous(count uint64, flags int) uint64 {
	if count == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.status.LowestUsableAddress
	var end uint64
	if flags&ContiguousLow != 0 && m.status.HighestUsableAddress > 0xFFFFFFFF {
		if count*PageSize > lowAddressLimit+PageSize {
			return 0
		}
		end = lowAddressLimit + PageSize - count*PageSize
	} else {
		if m.status.HighestUsableAddress < count*PageSize {
			return 0
		}
		end = m.status.HighestUsableAddress - count*PageSize
	}

	for start < end {
		var addr uint64
		busy := false
		for addr = start; addr < start+count*PageSize; addr += PageSize {
			if m.IsUsed(addr) {
				busy = true
				break
			}
		}

		if !busy {
			m.markContiguous(start, count, true)
			return start
		}
		// advance to the page after the busy one
		start = addr + PageSize
	}
	return 0
}

// FreeContiguous releases count frames starting at phys.
func (m *Manager) FreeContiguous(phys uint64, count uint64) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first errno.Errno
	addr := phys
	for i := uint64(0); i < count; i++ {
		if addr < m.status.LowestUsableAddress || addr >= m.status.HighestUsableAddress {
			if first == 0 {
				first = errno.EINVAL
			}
		} else if e := m.mark(addr, false); e != 0 && first == 0 {
			first = e
		}
		addr += PageSize
	}
	return first
}

// Status returns a snapshot of the PMM's bookkeeping.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Popcount returns the number of set bits in the bitmap, used by property
// tests to assert Status().UsedPages == popcount(bitmap) (spec.md §8).
func (m *Manager) Popcount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n uint64
	for _, b := range m.bitmap {
		for b != 0 {
			n += uint64(b & 1)
			b >>= 1
		}
	}
	return n
}
