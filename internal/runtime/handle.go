package runtime

import (
	"context"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/pkg/models"
)

// Handle is the stable external facade over a running session. It adds
// history-then-live event iteration and blocking wait on top of the
// instance's control surface.
type Handle struct {
	inst adapter.Instance
}

// NewHandle wraps an instance.
func NewHandle(inst adapter.Instance) *Handle {
	return &Handle{inst: inst}
}

func (h *Handle) ID() string                 { return h.inst.ID() }
func (h *Handle) Status() models.AgentStatus { return h.inst.Status() }
func (h *Handle) Instance() adapter.Instance { return h.inst }

// Start schedules the run loop asynchronously. Idempotent.
func (h *Handle) Start(ctx context.Context) { h.inst.Start(ctx) }

// Subscribe delivers every future event to fn until cancelled.
func (h *Handle) Subscribe(fn func(models.AgentEvent)) func() {
	return h.inst.Subscribe(fn)
}

// Events yields the session's historical events first, then live events,
// and closes after the first done event. Cancel ctx to stop early.
func (h *Handle) Events(ctx context.Context) <-chan models.AgentEvent {
	// Register the live consumer before snapshotting history so no event
	// falls between the two; overlap is removed by sequence number.
	live := h.inst.Events()
	history := h.inst.History()

	out := make(chan models.AgentEvent)
	go func() {
		defer close(out)
		var lastSeq uint64
		for _, ev := range history {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			lastSeq = ev.Sequence
			if ev.Type == models.EventDone {
				return
			}
		}
		for ev := range live {
			if ev.Sequence <= lastSeq {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == models.EventDone {
				return
			}
		}
	}()
	return out
}

// Wait blocks until the session reaches a terminal state and returns its
// result.
func (h *Handle) Wait(ctx context.Context) (models.AgentResult, error) {
	select {
	case <-h.inst.Done():
		result, _ := h.inst.Result()
		return result, nil
	case <-ctx.Done():
		return models.AgentResult{}, ctx.Err()
	}
}

// Send queues input for the session's next turn.
func (h *Handle) Send(in models.AgentInput) { h.inst.Send(in) }

// Pause holds back event flow; Resume releases it.
func (h *Handle) Pause()  { h.inst.Pause() }
func (h *Handle) Resume() { h.inst.Unpause() }

// Abort cancels the session cooperatively.
func (h *Handle) Abort() { h.inst.Abort() }

// Terminate forces a terminal done event immediately.
func (h *Handle) Terminate(reason string) { h.inst.Terminate(reason) }

// Resolve answers pending suspensions.
func (h *Handle) Resolve(resolutions []models.PendingResolution) {
	h.inst.Resolve(resolutions)
}

// Pending lists the open suspensions.
func (h *Handle) Pending() []models.PendingRequest {
	return h.inst.PendingRequests()
}

// Checkpoint snapshots the session.
func (h *Handle) Checkpoint() (*models.AgentCheckpoint, error) {
	return h.inst.Checkpoint()
}
