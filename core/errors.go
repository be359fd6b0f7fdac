// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package core

import (
	"errors"
	"fmt"
)

// MissingFieldError is returned when a required field of a connection string
// or a shared access signature is absent. It is never retried.
type MissingFieldError struct {
	// Source names what was parsed, e.g. "connection string"
	Source string
	// Field is the first missing field
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("the %s is missing the property: %s", e.Source, e.Field)
}

// ArgumentError is returned for malformed input, such as a broken shared
// access signature or an empty device id.
type ArgumentError struct {
	Argument string
	Reason   string
}

func (e *ArgumentError) Error() string {
	if e.Argument == "" {
		return "invalid argument: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Reason)
}

// SigningError is returned by the built-in signers, symmetric.Key and tpm.Signer,
// when no signature can be produced. Signers passed to auth.NewProvider as functions
// are not wrapped, their errors reach the caller as they are.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return "signing failed: " + e.Err.Error()
}

// Unwrap returns the underlying cause
func (e *SigningError) Unwrap() error {
	return e.Err
}

// InvalidOperationError is returned for API misuse, for example when a token
// is pushed into a provider which computes its tokens itself.
type InvalidOperationError struct {
	Operation string
	Reason    string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", e.Operation, e.Reason)
}

// NewArgumentError returns an ArgumentError
func NewArgumentError(argument, format string, args ...interface{}) error {
	return &ArgumentError{Argument: argument, Reason: fmt.Sprintf(format, args...)}
}

// NewInvalidOperationError returns an InvalidOperationError
func NewInvalidOperationError(operation, reason string) error {
	return &InvalidOperationError{Operation: operation, Reason: reason}
}

// IsMissingField returns true if err is or wraps a MissingFieldError
func IsMissingField(err error) bool {
	var target *MissingFieldError
	return errors.As(err, &target)
}

// IsArgument returns true if err is or wraps an ArgumentError
func IsArgument(err error) bool {
	var target *ArgumentError
	return errors.As(err, &target)
}

// IsSigning returns true if err is or wraps a SigningError
func IsSigning(err error) bool {
	var target *SigningError
	return errors.As(err, &target)
}

// IsInvalidOperation returns true if err is or wraps an InvalidOperationError
func IsInvalidOperation(err error) bool {
	var target *InvalidOperationError
	return errors.As(err, &target)
}
