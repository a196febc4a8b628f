package core

import (
	"errors"
	"fmt"
)

// Categories. Every error returned by the coordinator unwraps to one of these.
var (
	ErrPrecondition = errors.New("precondition failed")
	ErrProtocol     = errors.New("protocol error")
	ErrTransport    = errors.New("transport error")
	ErrRemoteLookup = errors.New("remote lookup failed")
	ErrNegotiation  = errors.New("negotiation failed")
)

var (
	ErrNotJoined         = fmt.Errorf("%w: session is not joined", ErrPrecondition)
	ErrAlreadyStarted    = fmt.Errorf("%w: session already started", ErrPrecondition)
	ErrCaptureNotOpened  = fmt.Errorf("%w: capture is not opened", ErrPrecondition)
	ErrCaptureOpened     = fmt.Errorf("%w: capture is already opened", ErrPrecondition)
	ErrCameraPublished   = fmt.Errorf("%w: camera is already published", ErrPrecondition)
	ErrNoMediaSelected   = fmt.Errorf("%w: neither video nor audio selected", ErrPrecondition)
	ErrEmptyPublishers   = fmt.Errorf("%w: empty publisher set", ErrPrecondition)
	ErrAlreadySubscribed = fmt.Errorf("%w: publisher already subscribed", ErrPrecondition)

	ErrUnknownMediaKind = fmt.Errorf("%w: unknown media kind", ErrProtocol)
	ErrMissingPcID      = fmt.Errorf("%w: response carries no pcid", ErrProtocol)
	ErrDuplicatePcID    = fmt.Errorf("%w: pcid already registered", ErrProtocol)
	ErrMediaLineCount   = fmt.Errorf("%w: answer media lines do not match request", ErrProtocol)

	ErrTransportClosed = fmt.Errorf("%w: closed", ErrTransport)
	ErrNotConnected    = fmt.Errorf("%w: not connected", ErrTransport)

	ErrUnknownUser  = fmt.Errorf("%w: unknown remote uid", ErrRemoteLookup)
	ErrNoConnection = fmt.Errorf("%w: no matching connection", ErrRemoteLookup)

	ErrTrackFailed  = fmt.Errorf("%w: track arrival failed", ErrNegotiation)
	ErrTrackTimeout = fmt.Errorf("%w: track arrival timed out", ErrNegotiation)
)

// RejectError is a request the server answered with ok=false.
type RejectError struct {
	Method string
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.Code, e.Reason)
}

func (e *RejectError) Unwrap() error { return ErrProtocol }
