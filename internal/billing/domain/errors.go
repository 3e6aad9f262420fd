package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid      = errors.New("signature_invalid")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrMissingField          = errors.New("missing_required_field")
	ErrInvalidStatus         = errors.New("invalid_subscription_status")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrEnrichmentUnavailable = errors.New("enrichment_unavailable")
)

// ErrorKind partitions failures into those worth a redelivery and those that are not.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// ProcessingError tags a failure with its kind at the site that raised it.
type ProcessingError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: KindPermanent, Op: op, Err: err}
}

// OutOfOrder signals that a prerequisite event has not been applied yet.
func OutOfOrder(op string, format string, args ...any) error {
	return Transient(op, fmt.Errorf("%w: %s (ordering, will retry)", ErrSubscriptionNotFound, fmt.Sprintf(format, args...)))
}

// MissingField reports a required field absent from the provider payload.
func MissingField(op, field string) error {
	return Permanent(op, fmt.Errorf("%w: %s", ErrMissingField, field))
}

// Outcome is the terminal classification of one delivery.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeConcurrent       Outcome = "concurrent"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)
