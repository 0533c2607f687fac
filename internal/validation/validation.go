// Package validation wraps go-playground/validator so callers get errs.Validation
// with a readable field list.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/errs"
)

var v = validator.New(validator.WithRequiredStructEnabled())

// Struct validates s against its `validate` tags.
func Struct(op string, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errs.Wrap(errs.Validation, op, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errs.E(errs.Validation, op, strings.Join(parts, "; "))
}

// Var validates a single value against tag.
func Var(op, field string, value any, tag string) error {
	if err := v.Var(value, tag); err != nil {
		return errs.E(errs.Validation, op, fmt.Sprintf("%s failed %s", field, tag))
	}
	return nil
}
