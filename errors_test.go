package imagefs_test

import (
	"errors"
	"testing"

	"github.com/blockimage/imagefs"
	"github.com/stretchr/testify/assert"
)

func TestErrorWithMessage(t *testing.T) {
	newErr := imagefs.ErrNotFound.WithMessage("/etc/passwd")
	assert.Equal(t, "/etc/passwd", newErr.Error())
	assert.ErrorIs(t, newErr, imagefs.ErrNotFound)
}

func TestErrorWrap(t *testing.T) {
	originalErr := errors.New("short read")
	newErr := imagefs.ErrIO.Wrap(originalErr)

	assert.Contains(t, newErr.Error(), "short read")
	assert.ErrorIs(t, newErr, originalErr)
	assert.ErrorIs(t, newErr, imagefs.ErrIO)
}
