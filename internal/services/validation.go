package services

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidationError lists every invalid field of a send request. No record is
// created for a request that fails validation.
type ValidationError struct {
	Fields []model.FieldError
	// InvalidAddress is set when at least one address failed the format check.
	InvalidAddress bool
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, model.FieldError{Field: field, Message: message})
}

// IsValidEmail reports whether addr is a plausible mailbox address.
func IsValidEmail(addr string) bool {
	return !strings.Contains(addr, "@@") && emailPattern.MatchString(addr)
}

type Limits struct {
	MaxRecipients    int
	MaxSubjectLength int
	MaxBodyLength    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxRecipients:    model.MaxRecipients,
		MaxSubjectLength: model.MaxSubjectLength,
		MaxBodyLength:    model.MaxBodyLength,
	}
}

// RequestValidator checks send requests against struct tags and the
// configured limits.
type RequestValidator struct {
	v      *validator.Validate
	limits Limits
}

func NewRequestValidator(limits Limits) *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mailaddr", func(fl validator.FieldLevel) bool {
		return IsValidEmail(strings.TrimSpace(fl.Field().String()))
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	def := DefaultLimits()
	if limits.MaxRecipients <= 0 {
		limits.MaxRecipients = def.MaxRecipients
	}
	if limits.MaxSubjectLength <= 0 || limits.MaxSubjectLength > def.MaxSubjectLength {
		limits.MaxSubjectLength = def.MaxSubjectLength
	}
	if limits.MaxBodyLength <= 0 || limits.MaxBodyLength > def.MaxBodyLength {
		limits.MaxBodyLength = def.MaxBodyLength
	}
	return &RequestValidator{v: v, limits: limits}
}

// Validate returns a *ValidationError or nil.
func (rv *RequestValidator) Validate(req *model.SendRequest) error {
	verr := &ValidationError{}

	if err := rv.v.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			if fe.Tag() == "mailaddr" {
				verr.InvalidAddress = true
			}
			verr.add(fieldPath(fe), fieldMessage(fe))
		}
	}

	if n := req.Recipients(); n > rv.limits.MaxRecipients {
		verr.add("recipients", fmt.Sprintf("too many recipients: %d (maximum %d)", n, rv.limits.MaxRecipients))
	}
	if n := len([]rune(req.Subject)); n > rv.limits.MaxSubjectLength && n <= model.MaxSubjectLength {
		verr.add("subject", fmt.Sprintf("must be at most %d characters", rv.limits.MaxSubjectLength))
	}
	if n := len([]rune(req.Body)); n > rv.limits.MaxBodyLength && n <= model.MaxBodyLength {
		verr.add("body", fmt.Sprintf("must be at most %d characters", rv.limits.MaxBodyLength))
	}
	for _, col := range []struct {
		field string
		list  []string
	}{{"to", req.To}, {"cc", req.Cc}, {"bcc", req.Bcc}} {
		if joined := strings.Join(col.list, ";"); len(joined) > model.MaxAddressListLength {
			verr.add(col.field, fmt.Sprintf("address list exceeds %d characters", model.MaxAddressListLength))
		}
	}

	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

// fieldPath turns SendRequest.to[2] into to[2].
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "min":
		return "at least " + fe.Param() + " recipient is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "mailaddr":
		return fmt.Sprintf("invalid email address format: %v", fe.Value())
	case "gte", "lte":
		return "must be one of Low, Normal, High"
	default:
		return "is invalid"
	}
}
