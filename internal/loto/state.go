package loto

import (
	"fmt"
	"time"

	"github.com/numbet/settlement-engine/internal/model"
)

// Round phases. Open, closed and settled are persisted as the round status;
// scheduled is only ever observed.
const (
	PhaseScheduled = "scheduled"
	PhaseOpen      = model.RoundOpen
	PhaseClosed    = model.RoundClosed
	PhaseSettled   = model.RoundSettled
)

// Round events.
const (
	EvtClose  = "close"  // betting window elapsed
	EvtSettle = "settle" // result digit set
)

// NextState returns the status a round moves to on evt, or an error for an
// invalid transition.
func NextState(cur, evt string) (string, error) {
	switch cur {
	case PhaseOpen:
		if evt == EvtClose {
			return PhaseClosed, nil
		}
	case PhaseClosed:
		if evt == EvtSettle {
			return PhaseSettled, nil
		}
	}
	return cur, fmt.Errorf("invalid transition: %s --%s--> ?", cur, evt)
}

// PhaseAt is the phase of r at now. The persisted status can lag behind the
// clock: an open round whose window elapsed is closed even before the store
// says so. A round closed early by an operator result is closed regardless
// of the clock.
func PhaseAt(r *model.LotoRound, now time.Time) string {
	switch {
	case r.Status == model.RoundSettled || r.ResultDigit != "":
		return PhaseSettled
	case r.Status == model.RoundClosed:
		return PhaseClosed
	case now.Before(r.StartTime):
		return PhaseScheduled
	case now.Before(r.EndTime):
		return PhaseOpen
	default:
		return PhaseClosed
	}
}
