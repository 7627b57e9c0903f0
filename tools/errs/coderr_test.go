package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCodeErrorIs(t *testing.T) {
	err := ErrBadEnvelope.WrapMsg("unexpected end of JSON input", "len", 3)

	assert.Equal(t, errors.Is(err, ErrBadEnvelope), true)
	assert.Equal(t, errors.Is(err, ErrArgs), false)

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, errors.Is(wrapped, ErrBadEnvelope), true)
}

func TestCodeErrorDetail(t *testing.T) {
	e := ErrArgs.WithDetail("projectId is empty").WithDetail("type is empty")
	assert.Equal(t, e.Detail, "projectId is empty, type is empty")
	assert.Equal(t, e.Error(), "1001 invalid arguments projectId is empty, type is empty")

	// predefined values are never mutated
	assert.Equal(t, ErrArgs.Detail, "")
}

func TestAs(t *testing.T) {
	ce := As(ErrRecordNotFound.WrapMsg("task", "id", "t-1"))
	assert.Equal(t, ce.Code, RecordNotFoundError)
	assert.Equal(t, ce.Detail, "task, id=t-1")

	plain := As(errors.New("boom"))
	assert.Equal(t, plain.Code, ServerInternalError)
	assert.Equal(t, plain.Detail, "boom")
}
