// internal/lti/errors.go
package lti

import (
	"errors"
	"fmt"
)

// Code classifies a launch failure. Codes are stable identifiers: they are
// safe to expose to the browser, are logged, and are what tests assert on.
type Code string

const (
	CodeMissingParameter     Code = "missing_parameter"
	CodeUnknownPlatform      Code = "unknown_platform"
	CodeMalformedToken       Code = "malformed_token"
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	CodeUnknownKey           Code = "unknown_key"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeClaimValidation      Code = "claim_validation_failed"
	CodeStateNotFound        Code = "state_not_found"
	CodeStateExpired         Code = "state_expired"
	CodeNonceMismatch        Code = "nonce_mismatch"
	CodeKeyFetch             Code = "key_fetch_error"
)

// FlowError is the error type every stage of the launch flow returns.
// Field carries the offending claim name (claim_validation_failed) or the
// comma-joined list of absent parameters (missing_parameter).
type FlowError struct {
	Code  Code
	Field string
	err   error
}

func (e *FlowError) Error() string {
	switch {
	case e.Field != "" && e.err != nil:
		return fmt.Sprintf("lti: %s (%s): %v", e.Code, e.Field, e.err)
	case e.Field != "":
		return fmt.Sprintf("lti: %s (%s)", e.Code, e.Field)
	case e.err != nil:
		return fmt.Sprintf("lti: %s: %v", e.Code, e.err)
	default:
		return "lti: " + string(e.Code)
	}
}

func (e *FlowError) Unwrap() error { return e.err }

// Is lets errors.Is match two FlowErrors by code, so callers can compare
// against the exported sentinels below regardless of Field/cause.
func (e *FlowError) Is(target error) bool {
	var fe *FlowError
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}

func flowErr(code Code, field string, err error) *FlowError {
	return &FlowError{Code: code, Field: field, err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrUnknownPlatform = &FlowError{Code: CodeUnknownPlatform}
	ErrStateNotFound   = &FlowError{Code: CodeStateNotFound}
	ErrStateExpired    = &FlowError{Code: CodeStateExpired}
	ErrNonceMismatch   = &FlowError{Code: CodeNonceMismatch}
)

// ErrCode extracts the Code from err, or "" when err is not a FlowError.
func ErrCode(err error) Code {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// SafeMessage returns a generic, user-presentable description for a failure
// code. Verification internals (key material, raw tokens) never appear here;
// they go to the operational log only.
func SafeMessage(code Code) string {
	switch code {
	case CodeMissingParameter:
		return "the launch request is missing required parameters"
	case CodeUnknownPlatform:
		return "this platform is not registered with the tool"
	case CodeMalformedToken, CodeUnsupportedAlgorithm, CodeUnknownKey, CodeInvalidSignature, CodeClaimValidation:
		return "the launch token could not be verified"
	case CodeStateNotFound, CodeStateExpired, CodeNonceMismatch:
		return "the launch session is invalid or has expired; retry from your course"
	case CodeKeyFetch:
		return "the platform keys are temporarily unavailable; retry from your course"
	default:
		return "the launch could not be completed"
	}
}
