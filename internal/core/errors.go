// Package core holds the error types shared by the detection, encryption,
// policy and configuration layers.
package core

import "fmt"

// ErrorKind identifies which layer produced an error
type ErrorKind string

const (
	// KindDetection is an internal failure while scanning text
	KindDetection ErrorKind = "detection_error"
	// KindEncryption is a failure in the reversible cipher
	KindEncryption ErrorKind = "encryption_error"
	// KindPolicy means no usable policy is available
	KindPolicy ErrorKind = "policy_error"
	// KindConfiguration is an invalid setting or masking pattern
	KindConfiguration ErrorKind = "configuration_error"
)

// Error is the base error type for all protection errors
type Error struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
	// Underlying cause, never serialized
	Err error `json:"-"`
}

// Sentinels for errors.Is matching by kind.
var (
	ErrDetection     = &Error{Kind: KindDetection}
	ErrEncryption    = &Error{Kind: KindEncryption}
	ErrPolicy        = &Error{Kind: KindPolicy}
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// DetectionErr creates a detection error
func DetectionErr(message string, err error) *Error {
	return &Error{Kind: KindDetection, Message: message, Err: err}
}

// EncryptionErr creates an encryption error. Callers must not put key
// material or plaintext in message.
func EncryptionErr(message string, err error) *Error {
	return &Error{Kind: KindEncryption, Message: message, Err: err}
}

// PolicyErr creates a policy error
func PolicyErr(message string, err error) *Error {
	return &Error{Kind: KindPolicy, Message: message, Err: err}
}

// ConfigurationErr creates a configuration error
func ConfigurationErr(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}
