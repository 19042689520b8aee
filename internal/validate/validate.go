// Package validate holds the process-wide struct validator. The validator
// caches struct metadata, so one configured instance is shared by the AI
// stages and the HTTP layer. Field names in reported issues follow json tags.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

var (
	once   sync.Once
	shared *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		shared = validator.New(validator.WithRequiredStructEnabled())
		shared.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return shared
}

// Struct checks s against its validate tags.
func Struct(s any) error {
	return instance().Struct(s)
}

// Issues flattens a validator error into path-keyed issues. root is the
// top-level struct name to strip from namespaces so paths read as JSON paths
// into the document.
func Issues(err error, root string) []fault.Issue {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []fault.Issue{{Message: err.Error()}}
	}
	issues := make([]fault.Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, fault.Issue{
			Path:    strings.TrimPrefix(fe.Namespace(), root+"."),
			Message: describe(fe),
		})
	}
	return issues
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		switch fe.Kind() {
		case reflect.Map, reflect.Slice:
			return fmt.Sprintf("needs at least %s entries", fe.Param())
		default:
			return fmt.Sprintf("must be at least %s", fe.Param())
		}
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a UUID"
	}
	return fmt.Sprintf("fails the %s constraint", fe.Tag())
}
