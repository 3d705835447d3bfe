// Package errs defines the error taxonomy shared by the sync and extraction pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Kind classifies a pipeline error
type Kind int

const (
	KindInternal Kind = iota
	KindCredential
	KindTransientProvider
	KindStuckSync
	KindInvalidStateTransition
	KindNotFound
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindCredential:
		return "credential"
	case KindTransientProvider:
		return "transient_provider"
	case KindStuckSync:
		return "stuck_sync"
	case KindInvalidStateTransition:
		return "invalid_state_transition"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries a Kind plus the operation that failed
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Credential(op string, err error) *Error {
	return E(KindCredential, op, "", err)
}

func Transient(op string, err error) *Error {
	return E(KindTransientProvider, op, "", err)
}

func StuckSync(op, msg string) *Error {
	return E(KindStuckSync, op, msg, nil)
}

func InvalidTransition(op, msg string) *Error {
	return E(KindInvalidStateTransition, op, msg, nil)
}

func NotFound(op string, err error) *Error {
	return E(KindNotFound, op, "", err)
}

func Validation(op, msg string) *Error {
	return E(KindValidation, op, msg, nil)
}

// KindOf returns the kind of the outermost *Error in err's chain, KindInternal otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable reports whether a failed unit of work should be attempted again
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransientProvider, KindStuckSync:
		return true
	case KindCredential, KindInvalidStateTransition, KindNotFound, KindValidation:
		return false
	case KindInternal:
		return isTransient(err)
	default:
		return false
	}
}

// ClassifyProvider wraps an error returned by a mailbox provider call with the right kind
func ClassifyProvider(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return Transient(op, err)
		}
		return Credential(op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return Credential(op, err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
			return Transient(op, err)
		case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
			return Transient(op, err)
		case apiErr.Code == http.StatusNotFound:
			return NotFound(op, err)
		default:
			return E(KindInternal, op, "", err)
		}
	}

	if isTransient(err) {
		return Transient(op, err)
	}
	return E(KindInternal, op, "", err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
