package service

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies checkout failures
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	KindUserCancelled      ErrorKind = "user_cancelled"
	KindCommitFailed       ErrorKind = "commit_failed"
	KindLookupFailed       ErrorKind = "lookup_failed"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
)

type kindMetadata struct {
	httpStatus    int
	retryable     bool
	publicMessage string
}

var metadataByKind = map[ErrorKind]kindMetadata{
	KindValidation:         {http.StatusBadRequest, false, "please check your checkout details"},
	KindGatewayUnavailable: {http.StatusServiceUnavailable, true, "the payment could not be completed, please retry"},
	KindUserCancelled:      {http.StatusConflict, true, "the payment was cancelled"},
	KindCommitFailed:       {http.StatusInternalServerError, true, "the payment could not be completed, please retry"},
	KindLookupFailed:       {http.StatusServiceUnavailable, true, "product information is temporarily unavailable"},
	KindNotFound:           {http.StatusNotFound, false, "checkout session not found"},
	KindConflict:           {http.StatusConflict, false, "checkout is already in progress"},
}

// CheckoutError is the typed error returned by checkout operations
type CheckoutError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func newError(kind ErrorKind, message string) *CheckoutError {
	return &CheckoutError{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, err error, message string) *CheckoutError {
	return &CheckoutError{Kind: kind, Message: message, Cause: err}
}

func (e *CheckoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CheckoutError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the kind to a response status
func (e *CheckoutError) HTTPStatus() int {
	if meta, ok := metadataByKind[e.Kind]; ok {
		return meta.httpStatus
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the user may retry the failed group
func (e *CheckoutError) Retryable() bool {
	return metadataByKind[e.Kind].retryable
}

// PublicMessage is safe to show to the buyer. Commit failures look like any
// other payment failure from the outside.
func (e *CheckoutError) PublicMessage() string {
	if e.Kind == KindValidation || e.Kind == KindConflict || e.Kind == KindNotFound {
		return e.Message
	}
	if meta, ok := metadataByKind[e.Kind]; ok {
		return meta.publicMessage
	}
	return "internal error"
}

// AsCheckoutError extracts a *CheckoutError from err
func AsCheckoutError(err error) *CheckoutError {
	var typed *CheckoutError
	if errors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsKind reports whether err is a CheckoutError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	typed := AsCheckoutError(err)
	return typed != nil && typed.Kind == kind
}
