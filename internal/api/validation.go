package api

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// National identity numbers are 13 digits, optionally grouped 5-7-1.
var cnicPattern = regexp.MustCompile(`^(\d{13}|\d{5}-\d{7}-\d)$`)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators adds the custom binding tags to gin's validator. Requests
// using the cnic tag cannot be bound unless it succeeds.
func RegisterValidators() error {
	registerOnce.Do(func() {
		registerErr = registerValidators(binding.Validator.Engine())
	})
	return registerErr
}

func registerValidators(engine interface{}) error {
	v, ok := engine.(*validator.Validate)
	if !ok {
		return fmt.Errorf("unsupported validator engine %T", engine)
	}
	if err := v.RegisterValidation("cnic", validateCNIC); err != nil {
		return fmt.Errorf("failed to register cnic validation: %w", err)
	}
	return nil
}

func validateCNIC(fl validator.FieldLevel) bool {
	return cnicPattern.MatchString(fl.Field().String())
}
