package core

import (
	"time"

	"hookrelay/internal/types"
)

// DeliveryOutcome is the result of delivering one message to one subscriber.
type DeliveryOutcome struct {
	Subscriber          types.Subscriber
	Delivered           bool
	ConversationCreated bool
	// ConversationID is the conversation the message went to, including one
	// opened during this delivery.
	ConversationID string
	Stage          Stage
	Err            error
	Duration       time.Duration
}

// DeliveryReport aggregates the outcomes of a broadcast.
type DeliveryReport struct {
	ServerID  string
	Attempted int
	Succeeded int
	Failed    int
	// Queued is set when the message was handed to a queue instead of being
	// delivered. The counters are zero in that case.
	Queued   bool
	Outcomes []DeliveryOutcome
}

// FailedOutcomes returns the outcomes that did not deliver, in registry order.
func (r *DeliveryReport) FailedOutcomes() []DeliveryOutcome {
	if r == nil {
		return nil
	}
	var failed []DeliveryOutcome
	for _, o := range r.Outcomes {
		if !o.Delivered {
			failed = append(failed, o)
		}
	}
	return failed
}

func (r *DeliveryReport) tally() {
	r.Attempted = len(r.Outcomes)
	r.Succeeded, r.Failed = 0, 0
	for _, o := range r.Outcomes {
		if o.Delivered {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}
