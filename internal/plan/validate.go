package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	must := func(tag string, fn validator.Func) {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic("plan: registering " + tag + " validation: " + err.Error())
		}
	}
	must("abspath", validateAbsPath)
	must("argv", validateArgv)
	must("filemode", validateFileMode)
}

// validateAbsPath requires an absolute, already-clean path.
func validateAbsPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return filepath.IsAbs(p) && filepath.Clean(p) == p
}

// validateArgv requires a non-empty argv whose executable is non-empty.
func validateArgv(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Slice || field.Len() == 0 {
		return false
	}
	return strings.TrimSpace(field.Index(0).String()) != ""
}

const allowedModeBits = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// validateFileMode rejects anything beyond permission and special bits.
func validateFileMode(fl validator.FieldLevel) bool {
	return os.FileMode(fl.Field().Uint())&^allowedModeBits == 0
}

// Validate checks every step of the plan. A plan that fails validation must
// not be executed at all.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidPlan, p.Timeout)
	}
	for i, s := range p.Steps {
		if err := ValidateStep(s); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidPlan, i+1, err)
		}
	}
	return nil
}

// ValidateStep checks a single step against the closed vocabulary.
func ValidateStep(s Step) error {
	switch s := s.(type) {
	case WriteFile:
		return structErr(ActionWriteFile, validate.Struct(s))
	case RunCommand:
		return structErr(ActionRun, validate.Struct(s))
	case nil:
		return errors.New("nil step")
	default:
		return fmt.Errorf("unsupported step type %T", s)
	}
}

func structErr(action Action, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, formatFieldError(fe))
	}
	return fmt.Errorf("%s: %s", action, strings.Join(messages, "; "))
}

// formatFieldError formats a single field error into a readable message.
func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "abspath":
		return fmt.Sprintf("%s must be an absolute clean path, got %q", field, e.Value())
	case "argv":
		return fmt.Sprintf("%s must name an executable", field)
	case "filemode":
		return fmt.Sprintf("%s %#o has bits outside 07777", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
