package apierror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToResponseMapsKnownKindToStatus(t *testing.T) {
	err := New(NotFound, "run not found")
	status, resp := ToResponse(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run not found", resp.Msg)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToResponseDefaultsUnrecognizedErrorToInternal(t *testing.T) {
	status, resp := ToResponse(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", resp.Msg)
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageIO, "write state.txt", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}
