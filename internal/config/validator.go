package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration using struct tags plus cross-field
// rules, returning actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := validateDuration("policy.timeout", c.Policy.Timeout); err != nil {
		return err
	}
	if err := validateDuration("dialog.timeout", c.Dialog.Timeout); err != nil {
		return err
	}

	// A bearer token without a service URL is always a misconfiguration.
	if c.Policy.Token != "" && c.Policy.URL == "" {
		return errors.New("policy: token is set but url is empty")
	}

	seen := make(map[string]bool, len(c.Policy.LocalRules))
	for i, rule := range c.Policy.LocalRules {
		if seen[rule.Name] {
			return fmt.Errorf("policy.local_rules[%d]: duplicate rule name %q", i, rule.Name)
		}
		seen[rule.Name] = true
	}
	return nil
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %q", field, value)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
