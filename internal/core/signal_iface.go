package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/sfuclient/internal/domain"
)

// Frame is a raw text payload written to the signaling socket.
type Frame []byte

type SignalEventType int

const (
	SignalOpen SignalEventType = iota
	SignalClose
	SignalError
	SignalNotification
)

func (t SignalEventType) String() string {
	switch t {
	case SignalOpen:
		return "open"
	case SignalClose:
		return "close"
	case SignalError:
		return "error"
	case SignalNotification:
		return "notification"
	}
	return "unknown"
}

// SignalEvent is one lifecycle or push event from the transport.
// Notification is set only for SignalNotification, Err only for SignalError.
type SignalEvent struct {
	Type         SignalEventType
	Err          error
	Notification domain.Notification
}

// SignalTransport abstracts the request/response messaging channel to the relay.
// Owned by the coordinator; the coordinator must Close() it.
type SignalTransport interface {
	// Connect starts connecting in the background. The outcome is reported on Events.
	Connect(ctx context.Context, url string) error
	// Events is closed after the final close or error event.
	Events() <-chan SignalEvent
	// Request sends method/payload and waits for the matching response.
	Request(ctx context.Context, method string, payload any) (json.RawMessage, error)
	Close() error
}
