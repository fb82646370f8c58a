// Package models provides domain types for the Strand agent orchestrator.
package models

// AgentStatus describes the lifecycle state of an agent session.
//
// Sessions begin in StatusInitializing, spend most of their life in
// StatusRunning, and may detour through StatusWaiting (suspended on an
// external decision) or StatusPaused (event delivery withheld). Exactly four
// statuses are terminal; once a session reaches one of them its status never
// changes again.
type AgentStatus string

const (
	// StatusInitializing means the session is being constructed and has not
	// started its run loop yet.
	StatusInitializing AgentStatus = "initializing"

	// StatusRunning means the run loop is actively streaming a turn.
	StatusRunning AgentStatus = "running"

	// StatusWaiting means the session is suspended on one or more pending
	// requests and needs an external resolution to make progress.
	StatusWaiting AgentStatus = "waiting"

	// StatusPaused means event delivery is withheld until Resume is called.
	// The underlying model request is not cancelled.
	StatusPaused AgentStatus = "paused"

	// StatusCompleting means the session is finalizing its last turn.
	StatusCompleting AgentStatus = "completing"

	// StatusCompleted means the session finished normally. Terminal.
	StatusCompleted AgentStatus = "completed"

	// StatusFailed means the session ended with an error. Terminal.
	StatusFailed AgentStatus = "failed"

	// StatusTerminated means the session was forcibly ended. Terminal.
	StatusTerminated AgentStatus = "terminated"

	// StatusAborted means the session was cancelled cooperatively. Terminal.
	StatusAborted AgentStatus = "aborted"
)

// Terminal reports whether the status is one of the four end states.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusAborted:
		return true
	}
	return false
}
