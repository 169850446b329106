// Package graph holds the knowledge-graph records produced from meeting notes:
// entities, the relations between them and the topics they were extracted from.
package graph

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Use JSON tag names in error fields
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validateStruct runs the struct tags and reports the first failure as a
// *errors.ValidationError.
func validateStruct(s any) error {
	err := structValidator().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return syncerrors.NewValidation(syncerrors.CodeValidationFailed, "", err.Error())
	}
	return formatFieldError(fieldErrs[0])
}

func formatFieldError(e validator.FieldError) error {
	field := e.Field()
	switch e.Tag() {
	case "required_without":
		if scopeField(field) {
			return syncerrors.NewValidation(syncerrors.CodeMissingScope, field, "organizationId or companyId is required")
		}
		return syncerrors.NewValidation(syncerrors.CodeMissingTopic, field, "topicId or yamlFileId is required")
	case "excluded_with":
		return syncerrors.NewValidation(syncerrors.CodeAmbiguousScope, field, "only one of organizationId and companyId may be set")
	case "required":
		return syncerrors.NewValidation(syncerrors.CodeValidationFailed, field, "is required")
	default:
		return syncerrors.NewValidation(syncerrors.CodeValidationFailed, field, "failed "+e.Tag()+" validation")
	}
}

func scopeField(field string) bool {
	return field == "organizationId" || field == "companyId"
}
