package utils

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateStruct checks `validate` tags on input structs.
func ValidateStruct(s interface{}) error {
	return getValidator().Struct(s)
}
