// Package validation checks request fields before they reach the dispute
// services.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/arbiter/internal/amount"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTextLength bounds free-text fields (reasons, messages, notes).
const MaxTextLength = 10000

// idRegex accepts opaque identifiers issued by upstream systems.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s looks like an order/actor/record identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and replaces invalid
// UTF-8 sequences. Length is checked separately with MaxLength.
func SanitizeString(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + " " + e[0].Message
}

// Validate runs validators and returns the failures. A nil result means
// every field passed.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an identifier field. Empty values pass; pair with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "is not a valid identifier"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max characters
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount requires a well-formed amount greater than zero.
func PositiveAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		v, ok := amount.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "must be a decimal amount with at most 2 fraction digits"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// NonNegativeAmount requires a well-formed amount, zero allowed.
func NonNegativeAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, ok := amount.Parse(value); !ok {
			return &ValidationError{Field: field, Message: "must be a decimal amount with at most 2 fraction digits"}
		}
		return nil
	}
}

// HTTPURL requires an absolute http or https URL with a host.
func HTTPURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// OneOf requires value to be one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if !slices.Contains(allowed, value) {
			return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
		}
		return nil
	}
}
