package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a cycle milestone.
type Stage string

// Progress stages.
const (
	StageCycleStart   Stage = "CYCLE_START"
	StageCycleDone    Stage = "CYCLE_DONE"
	StageCycleAborted Stage = "CYCLE_ABORTED"
	StageCycleError   Stage = "CYCLE_ERROR"
	StageVisitDone    Stage = "VISIT_DONE"
	StageVisitFailed  Stage = "VISIT_FAILED"
	StageAnalysis     Stage = "ANALYSIS_DONE"
)

// Terminal reports whether the stage ends a cycle.
func (s Stage) Terminal() bool {
	return s == StageCycleDone || s == StageCycleAborted || s == StageCycleError
}

// Event is one progress milestone of a crawl cycle.
type Event struct {
	CycleID     uuid.UUID
	TS          time.Time
	Stage       Stage
	Trigger     string
	TradingDate string
	// Symbol scopes visit events.
	Symbol string
	// Accepted is set on VISIT_DONE when the orchestrator kept the snapshot.
	Accepted bool
	// Planned, AcceptedCount and Unresolved summarize a cycle.
	Planned       int
	AcceptedCount int
	Unresolved    int
	Dur           time.Duration
	// Note carries the failure text for VISIT_FAILED and CYCLE_* errors.
	Note string
}

// Validate rejects malformed events before they are buffered.
func (e Event) Validate() error {
	if e.CycleID == uuid.Nil {
		return errors.New("cycle id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleAborted, StageCycleError, StageAnalysis:
	case StageVisitDone, StageVisitFailed:
		if e.Symbol == "" {
			return fmt.Errorf("%s requires symbol", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
