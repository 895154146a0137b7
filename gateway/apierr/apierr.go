// Package apierr carries the gateway's error taxonomy. Every error that can
// reach a caller maps to an HTTP status and a slug from a closed vocabulary
// so clients can localise without parsing prose.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindConfig Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindRateLimited
	KindConflict
	KindTransient
	KindFatal
)

// Slugs form the closed vocabulary of the REST surface.
const (
	SlugUnauthorized     = "unauthorized"
	SlugBadRequest       = "bad-request"
	SlugNotFound         = "not-found"
	SlugRateLimited      = "rate-limited"
	SlugConflict         = "conflict"
	SlugSequenceMismatch = "sequence-mismatch"
	SlugNoLivePeer       = "no-live-peer"
	SlugUpstream         = "upstream-error"
	SlugInternal         = "internal"
)

type Error struct {
	Kind Kind
	Slug string
	// Status preserves an upstream HTTP code when the error wraps a remote
	// response; zero means "derive from Kind".
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Slug, e.Err)
	}
	return e.Slug
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, slug string, err error) *Error {
	return &Error{Kind: kind, Slug: slug, Err: err}
}

func Auth(err error) *Error        { return New(KindAuth, SlugUnauthorized, err) }
func Validation(err error) *Error  { return New(KindValidation, SlugBadRequest, err) }
func NotFound(err error) *Error    { return New(KindNotFound, SlugNotFound, err) }
func RateLimited(err error) *Error { return New(KindRateLimited, SlugRateLimited, err) }
func Conflict(slug string, err error) *Error {
	return New(KindConflict, slug, err)
}
func Transient(err error) *Error { return New(KindTransient, SlugUpstream, err) }
func Fatal(err error) *Error     { return New(KindFatal, SlugInternal, err) }

// Upstream wraps a non-2xx remote response, preserving its status code and
// the slug parsed from its body (falls back to upstream-error).
func Upstream(status int, slug string, err error) *Error {
	if slug == "" {
		slug = SlugUpstream
	}
	kind := KindTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindValidation
	}
	return &Error{Kind: kind, Slug: slug, Status: status, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	return false
}

// KindOf extracts the taxonomy kind, defaulting to Fatal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}
