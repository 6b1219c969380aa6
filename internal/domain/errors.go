package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSourceProfile = errors.New("unknown source profile")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrMalformedPayload     = errors.New("malformed payload")

	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantExists       = errors.New("tenant already exists")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrWebhookURLRequired = errors.New("webhook url is required")
	ErrInvalidWebhook     = errors.New("invalid webhook configuration")
	ErrInvalidBinding     = errors.New("invalid binding")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// NormalizationError is returned when a gateway payload cannot be turned
// into an InboundMessage. Kind is one of the ErrUnknownSourceProfile,
// ErrMissingRequiredField or ErrMalformedPayload sentinels.
type NormalizationError struct {
	Kind    error
	Profile string
	Field   string
	Detail  string
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize %q: %v", e.Profile, e.Kind)
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Kind }
