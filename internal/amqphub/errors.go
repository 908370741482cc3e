package amqphub

import (
	"context"
	"errors"

	amqp "github.com/Azure/go-amqp"

	"github.com/chris-alexander-pop/eventhubs-go/internal/retrypolicy"
	"github.com/chris-alexander-pop/eventhubs-go/pkg/apperr"
)

// Error constructors for the kinds surfaced by this package, built on
// apperr.AppError so callers can still apperr.CodeOf(err) or errors.As a
// plain *apperr.AppError.
func newTransportError(msg string, err error) *apperr.AppError  { return apperr.Transport(msg, err) }
func newAuthError(msg string, err error) *apperr.AppError       { return apperr.Auth(msg, err) }
func newLinkError(msg string, err error) *apperr.AppError       { return apperr.Link(msg, err) }
func newProtocolError(msg string, err error) *apperr.AppError   { return apperr.Protocol(msg, err) }
func newTimeoutError(msg string, err error) *apperr.AppError    { return apperr.Timeout(msg, err) }
func newValidationError(msg string, err error) *apperr.AppError { return apperr.Validation(msg, err) }
func newClosedError(msg string, err error) *apperr.AppError     { return apperr.Closed(msg, err) }
func newCodecError(msg string, err error) *apperr.AppError      { return apperr.Codec(msg, err) }

// classify implements retrypolicy.Classifier for errors surfaced by the AMQP
// transport and by this package's own link/connection code.
func classify(err error) retrypolicy.Classification {
	if err == nil {
		return retrypolicy.Classification{}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retrypolicy.Classification{Recoverable: false, Terminal: false} // timeout: retryable, no rebuild needed
	}

	var detach *amqp.LinkError
	if errors.As(err, &detach) {
		if isStolenLink(detach) {
			return retrypolicy.Classification{Recoverable: true, Terminal: false}
		}
		if isTerminalLinkCondition(detach) {
			return retrypolicy.Classification{Recoverable: false, Terminal: true}
		}
		return retrypolicy.Classification{Recoverable: true, Terminal: false}
	}

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return retrypolicy.Classification{Recoverable: true, Terminal: false}
	}

	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		return retrypolicy.Classification{Recoverable: true, Terminal: false}
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeTransport, apperr.CodeTimeout:
		return retrypolicy.Classification{Recoverable: true, Terminal: false}
	case apperr.CodeAuth:
		return retrypolicy.Classification{Recoverable: true, Terminal: false}
	case apperr.CodeValidation, apperr.CodeProtocol, apperr.CodeClosed, apperr.CodeCodec:
		return retrypolicy.Classification{Recoverable: false, Terminal: true}
	}

	// Unknown/IO errors default to recoverable-but-not-terminal: best effort
	// to reconnect rather than giving up outright.
	return retrypolicy.Classification{Recoverable: true, Terminal: false}
}

func isStolenLink(le *amqp.LinkError) bool {
	if le == nil || le.RemoteErr == nil {
		return false
	}
	return string(le.RemoteErr.Condition) == "amqp:link:stolen"
}

func isTerminalLinkCondition(le *amqp.LinkError) bool {
	if le == nil || le.RemoteErr == nil {
		// Locally-initiated detach with no remote condition: treat as
		// recoverable rather than terminal.
		return false
	}
	switch string(le.RemoteErr.Condition) {
	case "amqp:not-found", "amqp:unauthorized-access", "amqp:resource-limit-exceeded":
		return true
	default:
		return false
	}
}
