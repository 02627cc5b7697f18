package api

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidators(t *testing.T) {
	require.NoError(t, RegisterValidators())
	require.NoError(t, RegisterValidators(), "repeat calls report the first result")

	v := validator.New()
	require.NoError(t, registerValidators(v))
	assert.NoError(t, v.Var("35202-1234567-1", "cnic"))
	assert.NoError(t, v.Var("3520212345671", "cnic"))
	assert.Error(t, v.Var("35202-1234567", "cnic"))

	err := registerValidators(struct{}{})
	assert.ErrorContains(t, err, "unsupported validator engine")
}
