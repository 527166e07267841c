package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type request struct {
	Username string `json:"username" validate:"required,max=8"`
	Level    string `json:"level" validate:"oneof=DEBUG INFO"`
	Limit    int    `json:"limit" validate:"max=100"`
	Ignored  string
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Validate(request{Username: "admin"}))
	assert.NoError(t, v.Validate(&request{Username: "admin", Level: "info", Limit: 100}))

	err := v.Validate(request{})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "username")

	assert.ErrorIs(t, v.Validate(request{Username: "much-too-long"}), ErrInvalid)
	assert.ErrorIs(t, v.Validate(request{Username: "a", Level: "TRACE"}), ErrInvalid)
	assert.ErrorIs(t, v.Validate(request{Username: "a", Limit: 101}), ErrInvalid)

	assert.Error(t, v.Validate("not a struct"))
}
