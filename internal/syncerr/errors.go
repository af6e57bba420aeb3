// Package syncerr defines the error taxonomy shared by ingestion, processing
// and conflict resolution.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/offline-sync/internal/types"
)

// Kind categorizes an error by how the sync engine must react to it.
type Kind string

const (
	// KindValidation covers unknown entity types and malformed payloads. Terminal.
	KindValidation Kind = "validation"
	// KindAuthorization covers tenant/user mismatches. Terminal, never queued.
	KindAuthorization Kind = "authorization"
	// KindDomainRejected is a business-rule refusal. Terminal, surfaced verbatim.
	KindDomainRejected Kind = "domain_rejected"
	// KindTransient covers timeouts and lock contention. Retried with backoff.
	KindTransient Kind = "transient"
	// KindNotFound is returned for lookups of sync records that do not exist.
	KindNotFound Kind = "not_found"
	// KindState is returned when a record is not in a state that allows the request.
	KindState Kind = "state"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a classified sync error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a ValidationError.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization builds an AuthorizationError.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// DomainRejected builds a business-rule refusal whose message is shown to the user as-is.
func DomainRejected(message string) *Error {
	return &Error{Kind: KindDomainRejected, Message: message}
}

// Transient wraps err as retriable.
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NotFound builds a lookup miss.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// State builds an invalid-state error.
func State(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// ConflictRejected is returned by a domain service when the expected version
// no longer matches, or when a create collides with an existing entity. It is
// a concurrency divergence routed to the conflict detector, not a failure.
type ConflictRejected struct {
	EntityID types.EntityID
	Current  types.State
}

// Error implements the error interface.
func (e *ConflictRejected) Error() string {
	return fmt.Sprintf("concurrency divergence on %s: server at version %d", e.EntityID, e.Current.Version)
}

// AsConflict extracts a ConflictRejected from err.
func AsConflict(err error) (*ConflictRejected, bool) {
	var cr *ConflictRejected
	if errors.As(err, &cr) {
		return cr, true
	}
	return nil, false
}

// KindOf classifies err. Postgres serialization failures, deadlocks, lock
// timeouts, connection failures and deadlines count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement_timeout)
			return KindTransient
		}
		return KindInternal
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// IsDomainRejected reports whether err is a business-rule refusal.
func IsDomainRejected(err error) bool { return KindOf(err) == KindDomainRejected }

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsState reports whether err is an invalid-state error.
func IsState(err error) bool { return KindOf(err) == KindState }

// UserMessage returns the text stored in an entry's error_message. Domain
// rejections and validation errors are surfaced verbatim.
func UserMessage(err error) string {
	var se *Error
	if errors.As(err, &se) {
		switch se.Kind {
		case KindDomainRejected, KindValidation:
			return se.Message
		}
	}
	return err.Error()
}
