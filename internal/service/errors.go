package service

import (
	"errors"
	"fmt"
)

// Error kinds. Validation kinds are reported back to the user as text;
// ErrInfrastructure and ErrRateLimited describe collaborator failures.
var (
	ErrMalformedCommand     = errors.New("malformed command")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrUnknownSender        = errors.New("unknown sender")
	ErrUnknownRecipient     = errors.New("unknown recipient")
	ErrSecurityViolation    = errors.New("invalid sender or recipient")
	ErrSenderDeactivated    = errors.New("sender deactivated")
	ErrRecipientDeactivated = errors.New("recipient deactivated")
	ErrSelfDonation         = errors.New("self donation")
	ErrAmountOutOfRange     = errors.New("amount out of range")
	ErrRateExceeded         = errors.New("too many recent donations")
	ErrInsufficientBalance  = errors.New("insufficient remaining allowance")
	ErrSenderBusy           = errors.New("sender has a donation in progress")

	ErrNotFound       = errors.New("not found in workspace")
	ErrInfrastructure = errors.New("infrastructure failure")
	ErrRateLimited    = errors.New("rate limited by workspace")
)

// User-facing texts for collaborator failures.
const (
	rateLimitedText    = "You have reached the rate limit of Slack. Please wait a second and try again. Thank you for your patience."
	infrastructureText = "Error: Something went wrong. Please try again later."
)

// ValidationError is a rejected request with the text shown to the user.
type ValidationError struct {
	Kind error
	Text string
}

func (e *ValidationError) Error() string {
	return e.Text
}

// Unwrap lets errors.Is match the kind.
func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func invalid(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Text: fmt.Sprintf(format, args...)}
}

// violation is a rejection raised by the business rules after both parties are known.
func violation(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Text: "Security violation: " + fmt.Sprintf(format, args...)}
}

var kindLabels = []struct {
	kind  error
	label string
}{
	{ErrMalformedCommand, "malformed_command"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrUnknownSender, "unknown_sender"},
	{ErrUnknownRecipient, "unknown_recipient"},
	{ErrSecurityViolation, "security_violation"},
	{ErrSenderDeactivated, "sender_deactivated"},
	{ErrRecipientDeactivated, "recipient_deactivated"},
	{ErrSelfDonation, "self_donation"},
	{ErrAmountOutOfRange, "amount_out_of_range"},
	{ErrRateExceeded, "rate_exceeded"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrSenderBusy, "sender_busy"},
	{ErrRateLimited, "rate_limited"},
}

// KindLabel returns a short metric label for err.
func KindLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kindLabels {
		if errors.Is(err, k.kind) {
			return k.label
		}
	}
	return "infrastructure"
}

// IsValidation reports whether err is a user-facing rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// collaboratorText maps a non-validation failure to its user-facing text.
func collaboratorText(err error) string {
	if errors.Is(err, ErrRateLimited) {
		return rateLimitedText
	}
	return infrastructureText
}
