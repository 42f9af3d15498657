package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"idremap/internal/security"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their TOML key.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateConfig checks struct tags first, then the rules tags cannot
// express. All problems are returned together as ValidationErrors.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe),
				Message: tagMessage(fe),
			})
		}
	}

	if c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if c.Storage.Package != "" {
		if err := security.ValidatePackageName(c.Storage.Package); err != nil {
			errs = append(errs, ValidationError{Field: "storage.package", Message: err.Error()})
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, ValidationError{Field: "metrics.listen", Message: "is required when metrics are enabled"})
	}

	errs = append(errs, validateInterception(c)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateInterception(c *Config) ValidationErrors {
	var errs ValidationErrors

	enabled, err := c.EnabledKinds()
	if err != nil {
		errs = append(errs, ValidationError{Field: "interception.kinds", Message: err.Error()})
	}
	denied, err := c.DeniedKinds()
	if err != nil {
		errs = append(errs, ValidationError{Field: "interception.deny", Message: err.Error()})
	}
	if len(errs) > 0 {
		return errs
	}

	deny := make(map[string]bool, len(denied))
	for _, k := range denied {
		deny[string(k)] = true
	}
	for _, k := range enabled {
		if !deny[string(k)] {
			return nil
		}
	}
	return ValidationErrors{{
		Field:   "interception.deny",
		Message: "every enabled kind is denied",
	}}
}

// fieldPath turns "Config.storage.backend" into "storage.backend".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "hostname_port":
		return fmt.Sprintf("invalid host:port %q", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
