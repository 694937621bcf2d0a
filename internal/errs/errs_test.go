package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("action", "x"))
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "action", nf.Kind)
	assert.Equal(t, "action not found: x", nf.Error())
}

func TestPermissionErrorDefaultMessage(t *testing.T) {
	assert.Equal(t, "Insufficient permissions", (&PermissionError{}).Error())
	assert.Equal(t, "Insufficient permissions", Insufficient().Error())
}

func TestValidationErrorIsVerbatim(t *testing.T) {
	err := &ValidationError{Field: "region", Rule: "required", Message: "Missing required parameter: region"}
	assert.EqualError(t, err, "Missing required parameter: region")
}
