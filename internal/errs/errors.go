// Package errs carries the error taxonomy shared by the command layer and
// the moderation gate.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindRejection  Kind = "rejection"
	KindMutation   Kind = "mutation"
)

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Validation(code, message string) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: message}
}

func Rejection(code, message string) *DomainError {
	return &DomainError{Kind: KindRejection, Code: code, Message: message}
}

// Mutation wraps a store failure that happened after validation passed.
func Mutation(code string, err error) *DomainError {
	return &DomainError{Kind: KindMutation, Code: code, Message: err.Error(), Details: err}
}

// IsKind reports whether err (or anything it wraps) is a DomainError of kind.
func IsKind(err error, kind Kind) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind == kind
	}
	return false
}

// HasCode reports whether err carries a DomainError with the given code.
func HasCode(err error, code string) bool {
	var many *ValidationErrors
	if errors.As(err, &many) {
		for _, item := range many.Errors {
			if item.Code == code {
				return true
			}
		}
		return false
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// ValidationErrors is the collected set returned when any check failed.
type ValidationErrors struct {
	Errors []*DomainError
}

func (v *ValidationErrors) Error() string {
	messages := make([]string, 0, len(v.Errors))
	for _, item := range v.Errors {
		messages = append(messages, item.Error())
	}
	return strings.Join(messages, "; ")
}

func (v *ValidationErrors) Unwrap() []error {
	out := make([]error, len(v.Errors))
	for i, item := range v.Errors {
		out[i] = item
	}
	return out
}

// Collector accumulates validation errors so every problem is reported at once.
type Collector struct {
	items []*DomainError
}

func (c *Collector) Add(code, message string) {
	c.items = append(c.items, Validation(code, message))
}

func (c *Collector) AddError(err *DomainError) {
	if err != nil {
		c.items = append(c.items, err)
	}
}

func (c *Collector) Empty() bool {
	return len(c.items) == 0
}

// Err returns nil when nothing was collected.
func (c *Collector) Err() error {
	if len(c.items) == 0 {
		return nil
	}
	return &ValidationErrors{Errors: append([]*DomainError(nil), c.items...)}
}
