package peer

import (
	"fmt"

	"github.com/dkeye/sfuclient/internal/core"
)

type State int32

const (
	StateCreated State = iota
	StateOfferGenerated
	StateAnswerApplied
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferGenerated:
		return "offer_generated"
	case StateAnswerApplied:
		return "answer_applied"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrInvalidTransition = fmt.Errorf("%w: invalid negotiation transition", core.ErrNegotiation)
	ErrWrongDirection    = fmt.Errorf("%w: operation does not match connection direction", core.ErrNegotiation)
	ErrIDAssigned        = fmt.Errorf("%w: connection id already assigned", core.ErrProtocol)
	ErrDuplicateKind     = fmt.Errorf("%w: media kind appears twice", core.ErrProtocol)
	ErrKindMismatch      = fmt.Errorf("%w: answer media kind does not match publisher", core.ErrProtocol)
)

func transitionError(op string, from State) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, from)
}
