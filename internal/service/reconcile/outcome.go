// Package reconcile describes the result of applying one task event.
package reconcile

import (
	"errors"
	"fmt"
)

// Kind classifies an outcome.
type Kind string

const (
	KindApplied Kind = "applied"
	KindDropped Kind = "dropped"
	KindFailed  Kind = "failed"
)

// Drop reasons for events that were intentionally ignored.
const (
	DropUnknownAccount    = "unknown_account"
	DropUnknownEntity     = "unknown_entity"
	DropUnsupportedEntity = "unsupported_entity"
	DropUncorrelated      = "uncorrelated"
	DropUnknownStatus     = "unknown_status"
	DropUnlinked          = "unlinked"
)

// ErrStoreInconsistent marks failures caused by a record changing or
// disappearing between reads within one reconciliation.
var ErrStoreInconsistent = errors.New("store inconsistent")

// Outcome reports what happened to a single event.
type Outcome struct {
	Kind     Kind   `json:"kind"`
	Target   string `json:"target,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
}

// Applied reports a persisted update.
func Applied(target, recordID, status string) Outcome {
	return Outcome{Kind: KindApplied, Target: target, RecordID: recordID, Status: status}
}

// Dropped reports an event that was ignored without mutation.
func Dropped(target, reason string) Outcome {
	return Outcome{Kind: KindDropped, Target: target, Reason: reason}
}

// Failed reports an event that errored during reconciliation.
func Failed(target string, err error) Outcome {
	return Outcome{Kind: KindFailed, Target: target, Err: err}
}

// Fatal is true when the failure indicates store inconsistency rather than a
// transient or expected problem.
func (o Outcome) Fatal() bool {
	return o.Kind == KindFailed && errors.Is(o.Err, ErrStoreInconsistent)
}

// ErrorText returns the failure detail, or "" when the outcome carries no error.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindDropped:
		return fmt.Sprintf("%s %s: %s", o.Kind, o.Target, o.Reason)
	case KindFailed:
		return fmt.Sprintf("%s %s: %v", o.Kind, o.Target, o.Err)
	default:
		return fmt.Sprintf("%s %s %s -> %s", o.Kind, o.Target, o.RecordID, o.Status)
	}
}
