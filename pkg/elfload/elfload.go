// Package elfload loads a 64-bit ELF executable's PT_LOAD segments into a
// process address space and reports its entry point, the exec() state
// machine's first step.
//
// Grounded on _examples/original_source/src/sched/elf.c's loadELF: magic
// and 64-bit/architecture checks, rejecting anything but ET_EXEC, the
// user-space address-range bound check, and VMM_USER|VMM_WRITE(+VMM_EXEC)
// segment permission mapping. Uses the standard library's debug/elf for
// parsing — the original's loadELF is a hand-rolled reader over the same
// fixed-layout structures debug/elf already exposes, and no example repo
// in the corpus carries an ELF-parsing dependency to ground a third-party
// choice on.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/vmm"
)

// Image is the result of a successful load.
type Image struct {
	Entry   uint64
	Highest uint64
}

// Load parses binary as an ELF file and maps its PT_LOAD segments into
// space between userBase and userLimit, materializing every mapped page
// immediately (a real kernel would fault them in lazily on first access,
// but exec() needs the image resident before the process's first
// instruction runs).
func Load(m *vmm.Manager, space *vmm.AddressSpace, binary []byte, userBase, userLimit uint64) (Image, errno.Errno) {
	f, err := elf.NewFile(bytes.NewReader(binary))
	if err != nil {
		return Image{}, errno.ENOEXEC
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return Image{}, errno.ENOEXEC
	}
	if f.Machine != elf.EM_X86_64 {
		return Image{}, errno.ENOEXEC
	}
	if f.Type != elf.ET_EXEC {
		return Image{}, errno.ENOEXEC
	}

	var highest uint64

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Vaddr < userBase || prog.Vaddr+prog.Memsz > userLimit {
			return Image{}, errno.ENOEXEC
		}
		if end := prog.Vaddr + prog.Memsz; end > highest {
			highest = end
		}

		pageBase := prog.Vaddr &^ (vmm.PageSize - 1)
		pageCount := (prog.Vaddr + prog.Memsz - pageBase + vmm.PageSize - 1) / vmm.PageSize

		flags := vmm.User | vmm.Write
		if prog.Flags&elf.PF_X != 0 {
			flags |= vmm.Exec
		}

		if e := m.AllocateAt(space, pageBase, pageCount, flags); e != 0 {
			return Image{}, e
		}
		for i := uint64(0); i < pageCount; i++ {
			if e := m.PageFault(space, pageBase+i*vmm.PageSize); e != 0 {
				return Image{}, e
			}
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return Image{}, errno.EIO
		}

		if e := writeSegment(m, space, prog.Vaddr, data); e != 0 {
			return Image{}, e
		}

		if prog.Flags&elf.PF_W == 0 {
			finalFlags := vmm.User
			if prog.Flags&elf.PF_X != 0 {
				finalFlags |= vmm.Exec
			}
			m.SetFlags(space, pageBase, pageCount, finalFlags)
		}
	}

	return Image{Entry: f.Entry, Highest: highest}, 0
}

// writeSegment faults in and populates every page a segment's bytes span,
// crossing page boundaries as needed. Generic over any virtual address, so
// Exec's stack provisioning reuses it too.
func writeSegment(m *vmm.Manager, space *vmm.AddressSpace, vaddr uint64, data []byte) errno.Errno {
	for written := uint64(0); written < uint64(len(data)); {
		addr := vaddr + written
		pageAddr := addr &^ (vmm.PageSize - 1)
		offsetInPage := int(addr - pageAddr)

		if e := m.PageFault(space, addr); e != 0 {
			return e
		}
		_, phys := m.PageStatus(space, pageAddr)

		chunk := vmm.PageSize - offsetInPage
		remaining := int(uint64(len(data)) - written)
		if chunk > remaining {
			chunk = remaining
		}

		if e := m.WritePhysical(phys, offsetInPage, data[written:written+uint64(chunk)]); e != 0 {
			return e
		}
		written += uint64(chunk)
	}
	return 0
}

// stackPages is the fixed user stack size exec() provisions: 64 KiB, a
// conservative default since spec.md names no specific figure.
const stackPages = 16

// Result is the register context execve replaces a thread's context with:
// entry point, initial stack pointer (argc/argv/envp already laid out
// below it), and the break (highest loaded address) — spec.md §4.8 step 3.
type Result struct {
	Entry   uint64
	Stack   uint64
	Highest uint64
}

// Exec runs steps 2-3 of spec.md §4.8's execve state machine: load the
// image's segments into a brand-new address space (never touching the
// caller's existing one) and provision a stack carrying argv/envp, in ABI
// order argc, argv[], NULL, envp[], NULL from low to high addresses.
// Nothing about the calling thread is touched here — on success the
// caller installs the returned space and Result; on failure it discards
// them and the caller's old context is untouched, satisfying step 4's
// "build the new context before releasing the old one; on any failure
// restore the old context" (trivially: the old context was never replaced).
func Exec(m *vmm.Manager, binary []byte, argv, envp []string, userBase, userLimit uint64) (*vmm.AddressSpace, Result, errno.Errno) {
	space := m.NewAddressSpace()

	image, e := Load(m, space, binary, userBase, userLimit)
	if e != 0 {
		return nil, Result{}, e
	}

	sp, e := provisionStack(m, space, userLimit, stackPages, argv, envp)
	if e != 0 {
		return nil, Result{}, e
	}

	return space, Result{Entry: image.Entry, Stack: sp, Highest: image.Highest}, 0
}

// provisionStack allocates a stack region just below top and lays out
// argv/envp strings followed by their pointer tables and argc, returning
// the resulting stack pointer.
func provisionStack(m *vmm.Manager, space *vmm.AddressSpace, top uint64, pages uint64, argv, envp []string) (uint64, errno.Errno) {
	base := top - pages*vmm.PageSize
	if e := m.AllocateAt(space, base, pages, vmm.User|vmm.Write); e != 0 {
		return 0, e
	}
	for i := uint64(0); i < pages; i++ {
		if e := m.PageFault(space, base+i*vmm.PageSize); e != 0 {
			return 0, e
		}
	}

	cursor := top
	writeString := func(s string) (uint64, errno.Errno) {
		b := append([]byte(s), 0)
		cursor -= uint64(len(b))
		if e := writeSegment(m, space, cursor, b); e != 0 {
			return 0, e
		}
		return cursor, 0
	}

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		addr, e := writeString(s)
		if e != 0 {
			return 0, e
		}
		argvPtrs[i] = addr
	}
	envpPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		addr, e := writeString(s)
		if e != 0 {
			return 0, e
		}
		envpPtrs[i] = addr
	}

	cursor &^= 7 // align before the pointer tables

	writeWord := func(v uint64) errno.Errno {
		cursor -= 8
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return writeSegment(m, space, cursor, b[:])
	}

	if e := writeWord(0); e != 0 { // envp NULL terminator
		return 0, e
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if e := writeWord(envpPtrs[i]); e != 0 {
			return 0, e
		}
	}
	if e := writeWord(0); e != 0 { // argv NULL terminator
		return 0, e
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if e := writeWord(argvPtrs[i]); e != 0 {
			return 0, e
		}
	}
	if e := writeWord(uint64(len(argv))); e != 0 { // argc
		return 0, e
	}

	if cursor < base {
		return 0, errno.ENOMEM // argv/envp overran the stack region
	}
	return cursor, 0
}
