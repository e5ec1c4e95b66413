// Package apperr carries the resolver error taxonomy. Every error kind has a
// constructor and an errors.AsType predicate; callers branch on the predicate,
// never on message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type NotFoundError struct {
	resource string
	id       string
}

func (e *NotFoundError) Error() string {
	if e.id == "" {
		return e.resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.resource, e.id)
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{resource: resource, id: id}
}

func IsNotFound(err error) bool {
	_, ok := errors.AsType[*NotFoundError](err)
	return ok
}

type AuthorizationError struct {
	reason string
	fields []string
}

func (e *AuthorizationError) Error() string {
	if len(e.fields) == 0 {
		return e.reason
	}
	return e.reason + ": " + strings.Join(e.fields, ", ")
}

// Fields names the offending field keys for field-level denials.
func (e *AuthorizationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

func NewAuthorization(reason string, fields ...string) error {
	return &AuthorizationError{reason: reason, fields: fields}
}

func IsAuthorization(err error) bool {
	_, ok := errors.AsType[*AuthorizationError](err)
	return ok
}

type UserInputError struct {
	msg string
}

func (e *UserInputError) Error() string { return e.msg }

func NewUserInput(msg string) error { return &UserInputError{msg: msg} }

func IsUserInput(err error) bool {
	_, ok := errors.AsType[*UserInputError](err)
	return ok
}

type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func NewConfiguration(msg string) error { return &ConfigurationError{msg: msg} }

func IsConfiguration(err error) bool {
	_, ok := errors.AsType[*ConfigurationError](err)
	return ok
}

// EngineError wraps a storage or workflow transport failure. The message
// stays coarse; the cause is reachable through Unwrap for logging only.
type EngineError struct {
	op  string
	err error
}

func (e *EngineError) Error() string { return "engine failure during " + e.op }

func (e *EngineError) Unwrap() error { return e.err }

func NewEngine(op string, err error) error {
	return &EngineError{op: op, err: err}
}

func IsEngine(err error) bool {
	_, ok := errors.AsType[*EngineError](err)
	return ok
}
