package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrDecoding           = errors.New("decoding error")
	ErrQuotaExceeded      = errors.New("usage limit reached")
	ErrUpstream           = errors.New("upstream error")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrStaleInvocation    = errors.New("invocation superseded")
	ErrUsageConflict      = errors.New("usage changed during invocation")
)

type UpstreamKind string

const (
	UpstreamNetwork       UpstreamKind = "network"
	UpstreamStatus        UpstreamKind = "status"
	UpstreamNotActivated  UpstreamKind = "not_activated"
	UpstreamServer        UpstreamKind = "server"
	UpstreamMisconfigured UpstreamKind = "misconfigured"
	UpstreamNoImage       UpstreamKind = "no_image"
	UpstreamBadResponse   UpstreamKind = "bad_response"
	UpstreamNotConfigured UpstreamKind = "not_configured"
)

type UpstreamError struct {
	Backend string
	Kind    UpstreamKind
	Status  int
	Message string
	Hint    string
	Err     error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Hint != "" {
		b.WriteString(": ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// FallbackError is surfaced when the primary backend failed and the fallback
// could not run because no credential is configured.
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("webhook failed (%v) and fallback is unavailable (%v)", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Describe classifies a pipeline error for display.
func Describe(err error) Failure {
	var (
		upstream *UpstreamError
		fallback *FallbackError
	)
	switch {
	case err == nil:
		return Failure{Code: "ok", Status: http.StatusOK}
	case errors.Is(err, ErrQuotaExceeded):
		return Failure{Code: "quota_exceeded", Message: "Usage limit reached. Upgrade to Pro for unlimited removals.", Status: http.StatusPaymentRequired}
	case errors.Is(err, ErrDecoding):
		return Failure{Code: "decoding_error", Message: "The selected image could not be read. Please try another image.", Status: http.StatusUnprocessableEntity}
	case errors.As(err, &fallback):
		return Failure{Code: "removal_unavailable", Message: "Background removal is unavailable: " + fallback.Error(), Status: http.StatusServiceUnavailable}
	case errors.Is(err, ErrMissingCredentials):
		return Failure{Code: "missing_credentials", Message: "The generative fallback has no API key configured.", Status: http.StatusServiceUnavailable}
	case errors.Is(err, ErrStaleInvocation), errors.Is(err, ErrUsageConflict):
		return Failure{Code: "superseded", Message: "This request was replaced by a newer selection.", Status: http.StatusConflict}
	case errors.Is(err, context.Canceled):
		return Failure{Code: "canceled", Message: "Processing was canceled.", Status: http.StatusConflict}
	case errors.As(err, &upstream):
		return describeUpstream(upstream)
	case errors.Is(err, ErrUpstream):
		return Failure{Code: "upstream_error", Message: "Failed to process image. Please try again.", Status: http.StatusBadGateway}
	default:
		return Failure{Code: "internal_error", Message: "Failed to process image. Please try again.", Status: http.StatusInternalServerError}
	}
}

func describeUpstream(err *UpstreamError) Failure {
	switch err.Kind {
	case UpstreamNoImage:
		return Failure{Code: "no_result", Message: "AI failed to generate a result. Please try another image.", Status: http.StatusBadGateway}
	case UpstreamNotActivated:
		return Failure{Code: "webhook_inactive", Message: "The removal webhook is not active yet: " + err.Error(), Status: http.StatusBadGateway}
	case UpstreamMisconfigured:
		return Failure{Code: "webhook_misconfigured", Message: "The removal webhook returned a server error; check its workflow configuration.", Status: http.StatusBadGateway}
	default:
		return Failure{Code: "upstream_error", Message: err.Error(), Status: http.StatusBadGateway}
	}
}
