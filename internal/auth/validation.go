package auth

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	phonePattern = regexp.MustCompile(`^923[0-9]{9}$`)
	otpPattern   = regexp.MustCompile(`^[0-9]{6}$`)
)

// RegisterInput is the self-registration form.
type RegisterInput struct {
	Phone       string `json:"phone" validate:"required,phone"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	Password2   string `json:"password2" validate:"required,eqfield=Password"`
	FirstName   string `json:"first_name" validate:"required,alpha,max=255"`
	LastName    string `json:"last_name" validate:"required,alpha,max=255"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Role        string `json:"user_type" validate:"omitempty,oneof=customer seller"`
}

// ResetInput is the final step of the password reset flow.
type ResetInput struct {
	Phone     string `json:"phone" validate:"required,phone"`
	Password  string `json:"new_password" validate:"required,min=8,max=128"`
	Password2 string `json:"new_password2" validate:"required,eqfield=Password"`
}

var fieldMessages = map[string]string{
	"required": "this field is required",
	"phone":    "phone must be in the format 923xxxxxxxxx",
	"min":      "must be at least 8 characters",
	"max":      "is too long",
	"eqfield":  "password fields didn't match",
	"alpha":    "must contain only letters",
	"datetime": "must be a date in YYYY-MM-DD format",
	"oneof":    "must be customer or seller",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// validateStruct runs struct tags and converts failures into a ValidationError.
func validateStruct(v *validator.Validate, in interface{}) error {
	err := v.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if _, seen := fields[fe.Field()]; !seen {
			fields[fe.Field()] = msg
		}
	}
	return &ValidationError{Fields: fields}
}

func validatePhone(phone string) error {
	if !phonePattern.MatchString(phone) {
		return fieldError("phone", fieldMessages["phone"])
	}
	return nil
}

func validateOTPFormat(code string) error {
	if !otpPattern.MatchString(code) {
		return fieldError("otp", "otp must be 6 digits")
	}
	return nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fieldError("date_of_birth", fieldMessages["datetime"])
	}
	return &t, nil
}

func normalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}
