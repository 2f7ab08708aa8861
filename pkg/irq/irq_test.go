package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lux-project/lux/pkg/errno"
)

// TestInstallRequiresRoot is a function.
func TestInstallRequiresRoot(t *testing.T) {
	tbl := New()
	_, e := tbl.Install(1000, 5, Handler{Name: "net0"})
	assert.Equal(t, errno.EPERM, e)
}

// TestInstallRejectsOutOfRangePin is a function.
func TestInstallRejectsOutOfRangePin(t *testing.T) {
	tbl := New()
	_, e := tbl.Install(0, -1, Handler{Name: "net0"})
	assert.Equal(t, errno.EIO, e)
	_, e = tbl.Install(0, MaxIRQ, Handler{Name: "net0"})
	assert.Equal(t, errno.EIO, e)
}

// TestInstallAndLookupSharedPin is a function.
func TestInstallAndLookupSharedPin(t *testing.T) {
	tbl := New()
	pinNo, e := tbl.Install(0, 5, Handler{Name: "net0", Kernel: true})
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, 5, pinNo)

	tbl.Install(0, 5, Handler{Name: "net1", Socket: 3})

	handlers := tbl.HandlersFor(5)
	assert.Len(t, handlers, 2)
	assert.Equal(t, "net0", handlers[0].Name)
	assert.Equal(t, "net1", handlers[1].Name)
}

// TestIopermGrantAndRevoke is a function.
func TestIopermGrantAndRevoke(t *testing.T) {
	tbl := New()
	assert.Equal(t, errno.Errno(0), tbl.Ioperm(0, 42, 0x3F8, 8, true))
	assert.True(t, tbl.HasAccess(42, 0x3F8))
	assert.True(t, tbl.HasAccess(42, 0x3FF))
	assert.False(t, tbl.HasAccess(42, 0x400))

	assert.Equal(t, errno.Errno(0), tbl.Ioperm(0, 42, 0x3F8, 8, false))
	assert.False(t, tbl.HasAccess(42, 0x3F8))
}

// TestIopermRequiresRoot is a function.
func TestIopermRequiresRoot(t *testing.T) {
	tbl := New()
	assert.Equal(t, errno.EPERM, tbl.Ioperm(1000, 42, 0x3F8, 8, true))
}
