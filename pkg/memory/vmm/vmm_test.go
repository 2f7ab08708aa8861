package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/pmm"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	p := pmm.New(16*1024*1024, 64*1024, []pmm.MemoryMapEntry{
		{Base: 0, Length: 16 * 1024 * 1024, Type: pmm.MemoryUsable, AttributesValid: true},
	})
	return New(p, Config{
		KernelHeapBase: 0xFFFF800000000000, KernelHeapLimit: 0xFFFF800010000000,
		UserHeapBase: 0x0000000001000000, UserHeapLimit: 0x0000000010000000,
		MMIOBase: 0xFFFF900000000000, MMIOLimit: 0xFFFF900010000000,
	})
}

// TestAllocateIsNotPresentUntilFault is a function.
func TestAllocateIsNotPresentUntilFault(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	addr := m.Allocate(space, m.userHeapBase, m.userHeapLimit, 1, User|Write)
	assert.NotZero(t, addr)

	flags, phys := m.PageStatus(space, addr)
	assert.Zero(t, phys)
	assert.Zero(t, flags&Present)

	assert.Equal(t, errno.Errno(0), m.PageFault(space, addr))

	flags, phys = m.PageStatus(space, addr)
	assert.NotZero(t, phys)
	assert.NotZero(t, flags&Present)
	assert.NotZero(t, flags&Write)
}

// TestPageFaultOnUnmappedAddressIsFatal is a function.
func TestPageFaultOnUnmappedAddressIsFatal(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()
	assert.Equal(t, errno.EFAULT, m.PageFault(space, 0x1234000))
}

// TestAllocateSkipsBusyRange is a function.
func TestAllocateSkipsBusyRange(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	first := m.Allocate(space, m.userHeapBase, m.userHeapLimit, 2, User|Write)
	assert.NotZero(t, first)

	second := m.Allocate(space, m.userHeapBase, m.userHeapLimit, 1, User|Write)
	assert.NotZero(t, second)
	assert.True(t, second < first || second >= first+2*PageSize)
}

// TestFreeReturnsFrameToPMM is a function.
func TestFreeReturnsFrameToPMM(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	addr := m.Allocate(space, m.userHeapBase, m.userHeapLimit, 1, User|Write)
	assert.Equal(t, errno.Errno(0), m.PageFault(space, addr))

	before := m.pmm.Status().UsedPages
	assert.Equal(t, errno.Errno(0), m.Free(space, addr, 1))
	assert.Equal(t, before-1, m.pmm.Status().UsedPages)

	flags, _ := m.PageStatus(space, addr)
	assert.Zero(t, flags)
}

// TestMmioIsStableAcrossRepeatedCalls is a function.
func TestMmioIsStableAcrossRepeatedCalls(t *testing.T) {
	m := newTestManager(t)

	virt1 := m.Mmio(0xFEE00000, 1, Write)
	assert.NotZero(t, virt1)
	virt2 := m.Mmio(0xFEE00000, 1, Write)
	assert.Equal(t, virt1, virt2)

	flags, phys := m.PageStatus(m.kernel, virt1)
	assert.Equal(t, uint64(0xFEE00000), phys)
	assert.NotZero(t, flags&Present)
	assert.NotZero(t, flags&NoCache)
}

// TestUnmapMmioRemovesMapping is a function.
func TestUnmapMmioRemovesMapping(t *testing.T) {
	m := newTestManager(t)

	virt := m.Mmio(0xFEE00000, 1, Write)
	assert.Equal(t, errno.Errno(0), m.UnmapMmio(0xFEE00000))

	flags, _ := m.PageStatus(m.kernel, virt)
	assert.Zero(t, flags)
	assert.Equal(t, errno.EINVAL, m.UnmapMmio(0xFEE00000))
}

// TestCloneUserSpaceCopiesBytesNotFrames is a function.
func TestCloneUserSpaceCopiesBytesNotFrames(t *testing.T) {
	m := newTestManager(t)
	src := m.NewAddressSpace()

	addr := m.Allocate(src, m.userHeapBase, m.userHeapLimit, 1, User|Write)
	assert.Equal(t, errno.Errno(0), m.PageFault(src, addr))

	_, srcPhys := m.PageStatus(src, addr)
	assert.Equal(t, errno.Errno(0), m.WritePhysical(srcPhys, 0, []byte("hello")))

	dst, e := m.CloneUserSpace(src)
	assert.Equal(t, errno.Errno(0), e)

	_, dstPhys := m.PageStatus(dst, addr)
	assert.NotZero(t, dstPhys)
	assert.NotEqual(t, srcPhys, dstPhys)

	data, e := m.ReadPhysical(dstPhys, 0, 5)
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, "hello", string(data))
}

// TestMallocUserGuardPageIsNeverMapped is a function.
func TestMallocUserGuardPageIsNeverMapped(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	virt, e := m.MallocUser(space, 64)
	assert.Equal(t, errno.Errno(0), e)
	assert.NotZero(t, virt)

	flags, phys := m.PageStatus(space, virt)
	assert.NotZero(t, flags&Present)
	assert.NotZero(t, phys)

	pages := (uint64(64)+heapHeaderSize+PageSize-1)/PageSize + 1
	guard := virt - PageSize + pages*PageSize
	flags, _ = m.PageStatus(space, guard)
	assert.Zero(t, flags&Present)
	assert.Zero(t, flags&Swap)
	assert.Equal(t, errno.EFAULT, m.PageFault(space, guard))
}

// TestFreeUserReclaimsPagesToPMM is a function.
func TestFreeUserReclaimsPagesToPMM(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	before := m.pmm.Status().UsedPages
	virt, e := m.MallocUser(space, 64)
	assert.Equal(t, errno.Errno(0), e)
	assert.NotEqual(t, before, m.pmm.Status().UsedPages)

	assert.Equal(t, errno.Errno(0), m.FreeUser(space, virt))
	assert.Equal(t, before, m.pmm.Status().UsedPages)

	flags, _ := m.PageStatus(space, virt)
	assert.Zero(t, flags)
}

// TestSbrkReturnsPriorBreakAndMoves is a function.
func TestSbrkReturnsPriorBreakAndMoves(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	first, e := m.Sbrk(space, 0x1000)
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, m.userHeapBase, first)

	second, e := m.Sbrk(space, 0x1000)
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, first+0x1000, second)
}

// TestSbrkRejectsGrowingPastLimit is a function.
func TestSbrkRejectsGrowingPastLimit(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	_, e := m.Sbrk(space, int64(m.userHeapLimit-m.userHeapBase)+PageSize)
	assert.Equal(t, errno.ENOMEM, e)
}

// TestSetFlagsPreservesPresentBit is a function.
func TestSetFlagsPreservesPresentBit(t *testing.T) {
	m := newTestManager(t)
	space := m.NewAddressSpace()

	addr := m.Allocate(space, m.userHeapBase, m.userHeapLimit, 1, User|Write)
	assert.Equal(t, errno.Errno(0), m.PageFault(space, addr))

	assert.Equal(t, errno.Errno(0), m.SetFlags(space, addr, 1, User|Exec))
	flags, _ := m.PageStatus(space, addr)
	assert.NotZero(t, flags&Present)
	assert.NotZero(t, flags&Exec)
	assert.Zero(t, flags&Write)
}
