// Package events carries domain events out of the engine: to Kafka for
// downstream consumers and to websocket clients for live updates.
//
// Publishing is best-effort. A failed publish is logged by the caller and
// never rolls back the operation that produced the event.
package events

import (
	"context"
	"errors"
	"time"
)

// Streams group event types onto Kafka topics.
const (
	StreamLedger     = "ledger"
	StreamSettlement = "settlement"
)

// Event types.
const (
	DepositSubmitted    = "deposit.submitted"
	WithdrawalSubmitted = "withdrawal.submitted"
	DepositVerified     = "deposit.verified"
	WithdrawalVerified  = "withdrawal.verified"
	BetPlaced           = "bet.placed"
	DigitPublished      = "digit.published"
	WinningsCredited    = "winnings.credited"
	LotoRoundStarted    = "loto.round.started"
	LotoBetJoined       = "loto.bet.joined"
	LotoRoundSettled    = "loto.round.settled"
)

// Event is one domain event. Key is the partitioning key (user id for
// ledger events, draw or round id for settlement events).
type Event struct {
	Type    string    `json:"type"`
	Stream  string    `json:"stream"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	events chan Event
}

// NewRecorder creates a Recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.events <- e:
	default:
	}
	return nil
}

// Types drains the recorder and returns the event types in publish order.
func (r *Recorder) Types() []string {
	var types []string
	for {
		select {
		case e := <-r.events:
			types = append(types, e.Type)
		default:
			return types
		}
	}
}
