package gateway

import (
	"errors"
	"fmt"

	"github.com/weathertools/owm-gateway/internal/client"
	"github.com/weathertools/owm-gateway/internal/location"
	"github.com/weathertools/owm-gateway/internal/units"
)

// Kind classifies gateway failures for transport-level mapping. Every error
// returned by a Gateway operation carries exactly one Kind.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindLocationNotFound    Kind = "location_not_found"
)

// Error is the gateway's error type. Err holds the underlying cause and is
// reachable through errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// KindUpstreamUnavailable so callers never see an unmapped failure.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUpstreamUnavailable
}

func invalidInput(msg string, cause error) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg, Err: cause}
}

func quotaExceeded(limit int) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: fmt.Sprintf("daily upstream call limit of %d reached", limit),
	}
}

// classifyUpstream maps client and parse errors to the gateway taxonomy.
func classifyUpstream(err error) *Error {
	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		return &Error{Kind: KindLocationNotFound, Message: "location not found", Err: err}
	case errors.Is(err, client.ErrInvalidAPIKey),
		errors.Is(err, client.ErrRateLimited),
		errors.Is(err, client.ErrUpstreamFailure),
		errors.Is(err, client.ErrBreakerOpen):
		return &Error{Kind: KindUpstreamUnavailable, Message: "upstream request failed", Err: err}
	default:
		return &Error{Kind: KindUpstreamUnavailable, Message: "upstream request failed", Err: err}
	}
}

// classifyInput maps location and unit parse errors to KindInvalidInput.
func classifyInput(err error) *Error {
	switch {
	case errors.Is(err, location.ErrEmpty),
		errors.Is(err, location.ErrTooLong),
		errors.Is(err, location.ErrBadCharacters),
		errors.Is(err, location.ErrBadCoordinates),
		errors.Is(err, location.ErrBadZIP):
		return invalidInput(err.Error(), err)
	case errors.Is(err, units.ErrUnknownSystem):
		return invalidInput(err.Error(), err)
	default:
		return invalidInput("invalid request", err)
	}
}
