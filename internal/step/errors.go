package step

import (
	"fmt"

	"github.com/usegenii/strand/pkg/models"
)

// Suspension is the typed signal a tool raises when it cannot make progress
// without external input. It travels as an error so it can unwind the tool's
// call stack, but it is not a failure: the runtime recovers it with
// errors.As, records the pending request, and suspends the session.
type Suspension struct {
	// StepID is the synthesized id the resolver looks for, of the form
	// "<toolCallID>:suspended".
	StepID string

	// Request describes what the tool is waiting for.
	Request models.PendingRequest
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("tool %s suspended on %s (%s)", s.Request.ToolName, s.Request.Kind, s.StepID)
}

// DuplicateStepError reports a tool presenting the same step id twice within
// one run. It is a programming error in the tool and fails the tool call.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step %q in one tool run", e.StepID)
}

// CancelledError reports that a pending suspension was resolved with cancel.
// The suspended call fails with this error; the session continues.
type CancelledError struct {
	ToolCallID string
	Reason     string
}

func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("suspension cancelled for %s: %s", e.ToolCallID, e.Reason)
	}
	return fmt.Sprintf("suspension cancelled for %s", e.ToolCallID)
}

// TimeoutError reports that a suspension outlived its timeout. Timeouts are
// enforced by whoever handles resolutions, not by the runtime; resolvers
// cancel with this as the reason.
type TimeoutError struct {
	ToolCallID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("suspension timed out for %s", e.ToolCallID)
}
