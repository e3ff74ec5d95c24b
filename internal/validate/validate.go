// Package validate runs the client-side form checks that must pass before
// any boundary call is made.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/esracengel/PetBNB/internal/errs"
	"github.com/esracengel/PetBNB/internal/model"
)

var (
	once sync.Once
	v    *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("hasletter", func(fl validator.FieldLevel) bool {
			return strings.IndexFunc(fl.Field().String(), unicode.IsLetter) >= 0
		})
		_ = v.RegisterValidation("hasdigit", func(fl validator.FieldLevel) bool {
			return strings.IndexFunc(fl.Field().String(), unicode.IsDigit) >= 0
		})
		v.RegisterStructValidation(requestDates, model.RequestFields{})
	})
	return v
}

func requestDates(sl validator.StructLevel) {
	r := sl.Current().Interface().(model.RequestFields)
	if r.StartDate.IsZero() {
		sl.ReportError(r.StartDate, "start_date", "StartDate", "required", "")
	}
	if r.EndDate.IsZero() {
		sl.ReportError(r.EndDate, "end_date", "EndDate", "required", "")
	} else if !r.StartDate.IsZero() && r.EndDate.Before(r.StartDate) {
		sl.ReportError(r.EndDate, "end_date", "EndDate", "afterstart", "")
	}
}

// Offer checks price >= 0.01 and a 10..500 character message.
func Offer(o model.OfferValues) error { return check(o) }

// Request checks the create-request form.
func Request(r model.RequestFields) error { return check(r) }

// Registration checks the sign-up form.
func Registration(r model.Registration) error { return check(r) }

// Credentials checks the login form.
func Credentials(c model.Credentials) error { return check(c) }

func check(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	out := &errs.ValidationError{Fields: make(map[string]string, len(ves))}
	for _, fe := range ves {
		if _, seen := out.Fields[fe.Field()]; !seen {
			out.Fields[fe.Field()] = message(fe)
		}
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		if fe.Field() == "pet_breed" {
			return "Required for dogs"
		}
		return "Required"
	case "email":
		return "Invalid email address"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "eqfield":
		return "Passwords must match"
	case "hasletter":
		return "Password must contain at least one letter"
	case "hasdigit":
		return "Password must contain at least one number"
	case "afterstart":
		return "End date can't be before start date"
	case "min":
		switch fe.Field() {
		case "price":
			return "Minimum price is $" + model.MinPrice.String()
		case "password":
			return "Password must be at least " + fe.Param() + " characters"
		}
		return "Must be at least " + fe.Param() + " characters"
	case "max":
		return "Must not exceed " + fe.Param() + " characters"
	}
	return "Invalid value"
}
