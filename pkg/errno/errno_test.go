package errno

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorReturnsKnownName is a function.
func TestErrorReturnsKnownName(t *testing.T) {
	assert.Equal(t, "EAGAIN", EAGAIN.Error())
	assert.Equal(t, "ENOEXEC", ENOEXEC.Error())
}

// TestErrorFallsBackToNumberForUnknownValue is a function.
func TestErrorFallsBackToNumberForUnknownValue(t *testing.T) {
	assert.Equal(t, "errno 9999", Errno(9999).Error())
}

// TestNegReturnsKernelReturnValueEncoding is a function.
func TestNegReturnsKernelReturnValueEncoding(t *testing.T) {
	assert.Equal(t, int64(-11), EAGAIN.Neg())
}

// TestEwouldblockIsAliasForEagain is a function.
func TestEwouldblockIsAliasForEagain(t *testing.T) {
	assert.Equal(t, EAGAIN, Errno(EWOULDBLOCK))
}

// TestFromStatusDecodesNegativeStatus is a function.
func TestFromStatusDecodesNegativeStatus(t *testing.T) {
	e, ok := FromStatus(-22)
	assert.True(t, ok)
	assert.Equal(t, EINVAL, e)
}

// TestFromStatusRejectsNonNegativeStatus is a function.
func TestFromStatusRejectsNonNegativeStatus(t *testing.T) {
	_, ok := FromStatus(0)
	assert.False(t, ok)

	_, ok = FromStatus(4096)
	assert.False(t, ok)
}
