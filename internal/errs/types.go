package errs

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// RejectedError carries the status and the human-readable detail of a
// non-success boundary response.
type RejectedError struct {
	Op     string
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Detail)
}

// Is matches ErrRequestRejected, and ErrAuthExpired for 401 responses.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrRequestRejected:
		return true
	case ErrAuthExpired:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// ValidationError lists field-level problems found before a call was made.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation: " + strings.Join(parts, "; ")
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Detail returns the message a UI should show for err: the backend detail
// for rejected calls, the error text otherwise.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Detail != "" {
		return rej.Detail
	}
	return err.Error()
}
