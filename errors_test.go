package stow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewPathError("put", "/a/b.txt", ErrArtefactNotFound)
	assert.Equal(t, "stow.put /a/b.txt: stow: artefact not found", err.Error())
	assert.ErrorIs(t, err, ErrArtefactNotFound)

	bare := NewError("connect", ErrUnknownScheme)
	assert.Equal(t, "stow.connect: stow: unknown scheme", bare.Error())

	withMsg := NewPathError("get", "/d", ErrArtefactType).
		WithMessage("cannot read bytes of a directory")
	assert.ErrorIs(t, withMsg, ErrArtefactType)
	assert.Contains(t, withMsg.Error(), "cannot read bytes of a directory")
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewPathError("ls", "/x", ErrArtefactNotFound)))
	assert.False(t, IsNotFound(errors.New("unrelated")))
	assert.True(t, IsTypeError(NewError("sync", ErrArtefactType)))
	assert.True(t, IsNotPermitted(NewPathError("rm", "/d", ErrOperationNotPermitted)))
}

func TestBatchErrorAggregation(t *testing.T) {
	batch := &BatchError{Op: "mv"}
	assert.NoError(t, batch.orNil())

	batch.append(nil)
	assert.NoError(t, batch.orNil(), "nil results are not failures")

	batch.append(NewPathError("mv", "/one.txt", ErrArtefactNotFound))
	batch.append(NewPathError("mv", "/two.txt", ErrOperationNotPermitted))

	err := batch.orNil()
	assert.ErrorIs(t, err, ErrArtefactNotFound)
	assert.ErrorIs(t, err, ErrOperationNotPermitted)

	var pathErr *Error
	assert.ErrorAs(t, err, &pathErr)
	assert.Contains(t, err.Error(), "2 items failed")
}
