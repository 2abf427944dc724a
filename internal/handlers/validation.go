package handlers

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("block_subject", func(fl validator.FieldLevel) bool {
		return isBlockSubject(v, fl.Field().String())
	})
	return v
}

// isBlockSubject accepts an IP address, a CIDR range or a hostname
func isBlockSubject(v *validator.Validate, s string) bool {
	s = strings.TrimSpace(s)
	if net.ParseIP(s) != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return v.Var(strings.TrimSuffix(s, "."), "fqdn") == nil
}

// ValidateRequest validates a request struct, returning a *models.ValidationError
// for the first failing field
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return models.NewValidationError(fe.Field(), formatValidationError(fe))
	}
	return models.NewValidationError("", err.Error())
}

// writeValidation writes a field-level 400 for validation errors and a plain 400 otherwise
func writeValidation(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		pkghttp.WriteValidationError(w, ve.Field, ve.Message)
		return
	}
	pkghttp.WriteBadRequest(w, err.Error())
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "fqdn":
		return "must be a fully qualified domain name"
	case "block_subject":
		return "must be an IP address, CIDR range or domain"
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
