package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error is a failure reported by the gateway, carrying enough context for
// the dispatch worker to decide between retry and dead-letter.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
}

// Gateway error codes with permanent semantics.
const (
	CodeInvalidPhone   = "invalid_phone"
	CodeBlockedContact = "blocked_contact"
)

// Class buckets a send failure for the retry state machine.
type Class int

const (
	// ClassTransient failures are retried with backoff up to maxAttempts.
	ClassTransient Class = iota
	// ClassPermanent failures go straight to dead without consuming the
	// retry budget on further attempts.
	ClassPermanent
)

// Classify buckets an error from SendMessage. Timeouts and network errors
// are transient; definitive gateway rejections (bad number, blocked
// contact, 4xx other than 408/429) are permanent.
func Classify(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case CodeInvalidPhone, CodeBlockedContact:
			return ClassPermanent
		}
		if gerr.StatusCode >= 400 && gerr.StatusCode < 500 &&
			gerr.StatusCode != 408 && gerr.StatusCode != 429 {
			return ClassPermanent
		}
		return ClassTransient
	}

	// Unknown failures get the retry budget before dead-lettering.
	return ClassTransient
}

// ErrorCode extracts a stable code label for persistence.
func ErrorCode(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		if gerr.Code != "" {
			return gerr.Code
		}
		return fmt.Sprintf("http_%d", gerr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network_error"
}
