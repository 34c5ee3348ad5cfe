package gotcbot

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrConfig is matched by any *ConfigError
	ErrConfig = errors.New("configuration error")

	// ErrUpstream is matched by any error caused by a model, search or
	// image endpoint. Rate limits and exhausted structured-reply retries
	// also match it.
	ErrUpstream = errors.New("upstream error")

	// ErrParse is matched by any *ParseError
	ErrParse = errors.New("malformed structured reply")

	// ErrRateLimited is matched by any *RateLimitError
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyDispatched is returned by ReplyDispatcher.Dispatch when a
	// reply for the event was already posted (or attempted).
	ErrAlreadyDispatched = errors.New("reply already dispatched for event")

	// ErrCensored is returned when a generated image fails the safety check
	ErrCensored = errors.New("generated image was censored")

	errEmptyResponse       = errors.New("empty response")
	errMissingCredential   = errors.New("missing credential")
	errDalleRequiresHosted = errors.New("dalle image backend requires the hosted model backend")
)

// ConfigError indicates missing or invalid configuration. These are fatal
// at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// UpstreamError wraps a failure talking to an external service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// RateLimitError indicates the provider refused the request due to rate
// limiting. RetryAfter is zero when the provider didn't say.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: rate limited", e.Service)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Service, e.Err)
}

func (e *RateLimitError) Unwrap() []error {
	errs := []error{ErrRateLimited, ErrUpstream}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ParseError is returned when a reply requested in JSON mode doesn't
// decode to a JSON object.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse structured reply: %v (raw: %q)", e.Err, truncate(e.Raw, 200))
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

// ModelError is surfaced by a ModelClient once a structured reply has
// failed to parse after its single corrective retry.
type ModelError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf(
		"model %s: gave up after %d attempts: %v",
		e.Backend,
		e.Attempts,
		e.Err,
	)
}

func (e *ModelError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// isRateLimitError reports whether err looks like a provider rate limit,
// either typed or by its message.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota")
}

// classifyOpenAIError converts an error returned by go-openai into
// *RateLimitError or *UpstreamError.
func classifyOpenAIError(service string, err error) error {
	if err == nil {
		return nil
	}
	if isRateLimitError(err) {
		return &RateLimitError{Service: service, Err: err}
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return &UpstreamError{Service: service, StatusCode: status, Err: err}
}
