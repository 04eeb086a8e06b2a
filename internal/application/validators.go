package application

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-concord/internal/domain"
)

var (
	// modelSpecPattern accepts "provider" or "provider/model", where model
	// may carry dots, dashes and an @version suffix.
	modelSpecPattern   = regexp.MustCompile(`^[a-z0-9]+(/[A-Za-z0-9\-_.]+(@[A-Za-z0-9\-_.]+)?)?$`)
	backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// registerCustomValidators adds the config-specific tags to v.
func registerCustomValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		"semver":      validateSemver,
		"modelspec":   validateModelSpec,
		"component":   validateComponent,
		"backendname": validateBackendName,
	}
	for tag, fn := range validators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateSemver accepts X.Y.Z with non-negative integers.
func validateSemver(fl validator.FieldLevel) bool {
	var major, minor, patch int
	value := fl.Field().String()
	n, err := fmt.Sscanf(value, "%d.%d.%d", &major, &minor, &patch)
	if err != nil || n != 3 || major < 0 || minor < 0 || patch < 0 {
		return false
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch) == value
}

func validateModelSpec(fl validator.FieldLevel) bool {
	return modelSpecPattern.MatchString(fl.Field().String())
}

// validateComponent accepts the closed set of component names.
func validateComponent(fl validator.FieldLevel) bool {
	_, err := domain.ParseComponent(fl.Field().String())
	return err == nil
}

func validateBackendName(fl validator.FieldLevel) bool {
	return backendNamePattern.MatchString(fl.Field().String())
}

// splitModelSpec splits "provider/model"; model is empty when omitted.
func splitModelSpec(spec string) (provider, model string) {
	provider, model, _ = strings.Cut(spec, "/")
	return provider, model
}
