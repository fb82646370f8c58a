// Package coordinator multiplexes agent session lifecycles: it spawns and
// continues sessions, routes their events onto one coordinator-level bus,
// persists checkpoints when sessions end, and implements graceful shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/bus"
	"github.com/usegenii/strand/internal/guidance"
	"github.com/usegenii/strand/internal/injector"
	"github.com/usegenii/strand/internal/runtime"
	"github.com/usegenii/strand/internal/snapshot"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

var (
	// ErrCheckpointNotFound is returned by Continue when no checkpoint is
	// stored for the session id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNotRunning is returned by operations that require a running
	// coordinator.
	ErrNotRunning = errors.New("coordinator is not running")

	// ErrSessionLive is returned by Continue for a session id that is still
	// live in the session table.
	ErrSessionLive = errors.New("session is still live")

	// ErrNoGuidance is returned by Spawn when neither the spawn config nor
	// the coordinator carries a guidance path.
	ErrNoGuidance = errors.New("no guidance path configured")
)

// EventType identifies the kind of coordinator event.
type EventType string

const (
	// EventAgentSpawned fires once per spawn or continue, before the first
	// session event.
	EventAgentSpawned EventType = "agent_spawned"

	// EventAgentEvent wraps every session event verbatim.
	EventAgentEvent EventType = "agent_event"

	// EventAgentDone fires after a session's terminal event, once its
	// checkpoint (if a store is configured) has been written.
	EventAgentDone EventType = "agent_done"

	// EventAgentFailed fires after agent_done for sessions that ended in
	// status failed.
	EventAgentFailed EventType = "agent_failed"
)

// Event is one coordinator-level notification.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// For agent_spawned.
	Tags     []string `json:"tags,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`

	// For agent_event.
	Agent *models.AgentEvent `json:"agent,omitempty"`

	// For agent_done and agent_failed.
	Result *models.AgentResult `json:"result,omitempty"`
}

// Config assembles a coordinator. Everything is optional except that Spawn
// needs a guidance path from somewhere.
type Config struct {
	// Store persists checkpoints on session completion. Nil disables
	// persistence; Continue then always fails with ErrCheckpointNotFound.
	Store snapshot.Store

	// DefaultGuidancePath is used when a spawn config does not name one.
	DefaultGuidancePath string

	// SkillsPath is an extra directory of skill documents loaded for every
	// session, alongside the guidance bundle's own skills.
	SkillsPath string

	// Injectors contribute system context on spawn and resume messages on
	// continue.
	Injectors *injector.Registry

	// Tools is the registry handed to every session.
	Tools *tools.Registry

	// Timezone is recorded in session metadata for downstream consumers.
	// Empty means the system zone.
	Timezone string

	Logger  *slog.Logger
	Metrics *Metrics
}

// SpawnConfig parameterizes one fresh session.
type SpawnConfig struct {
	GuidancePath string
	Task         string
	Input        models.AgentInput
	Limits       adapter.Limits
	ParentID     string
	Tags         []string
	Metadata     map[string]any
}

// ContinueConfig parameterizes continuing a checkpointed session.
type ContinueConfig struct {
	// GuidancePath overrides the checkpoint's recorded path.
	GuidancePath string
}

// ShutdownOptions controls Shutdown. The zero value terminates every live
// session without a graceful wait.
type ShutdownOptions struct {
	// Force skips the graceful wait and terminates everything immediately.
	Force bool

	// Timeout bounds the graceful wait for in-flight sessions. Zero skips
	// the wait entirely.
	Timeout time.Duration
}

// Filter narrows List. Zero-valued fields match everything.
type Filter struct {
	// Statuses matches sessions whose status is any of these.
	Statuses []models.AgentStatus

	// Tags matches sessions carrying at least one of these tags.
	Tags []string

	// ParentID matches sessions spawned with this parent.
	ParentID string
}

// entry is one row of the session table.
type entry struct {
	handle      *runtime.Handle
	adapter     adapter.Adapter
	tags        []string
	parentID    string
	unsubscribe func()
}

// Coordinator owns the session table and the coordinator event bus.
type Coordinator struct {
	store     snapshot.Store
	guidance  string
	skills    string
	injectors *injector.Registry
	tools     *tools.Registry
	timezone  string
	logger    *slog.Logger
	metrics   *Metrics

	events *bus.Bus[Event]

	mu       sync.Mutex
	status   Status
	sessions map[string]*entry
}

// New creates a stopped coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")
	return &Coordinator{
		store:     cfg.Store,
		guidance:  cfg.DefaultGuidancePath,
		skills:    cfg.SkillsPath,
		injectors: cfg.Injectors,
		tools:     cfg.Tools,
		timezone:  cfg.Timezone,
		logger:    logger,
		metrics:   cfg.Metrics,
		events:    bus.New[Event](logger),
		status:    StatusStopped,
		sessions:  make(map[string]*entry),
	}
}

// Status returns the coordinator lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start moves the coordinator from stopped to running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusStopped {
		return fmt.Errorf("start from status %q: invalid transition", c.status)
	}
	c.status = StatusStarting
	c.status = StatusRunning
	c.logger.Info("coordinator started")
	return nil
}

// Shutdown stops the coordinator. Unless forced, it first waits (up to the
// timeout) for running and waiting sessions to finish on their own; whatever
// is still live afterwards is terminated. A zero timeout terminates live
// sessions without waiting. The session table is cleared.
func (c *Coordinator) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return fmt.Errorf("shutdown from status %q: invalid transition", c.status)
	}
	c.status = StatusStopping
	entries := make([]*entry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	if !opts.Force && opts.Timeout > 0 {
		c.awaitSessions(ctx, entries, opts.Timeout)
	}

	for _, e := range entries {
		if !e.handle.Status().Terminal() {
			e.handle.Terminate("Coordinator shutdown")
		}
		e.unsubscribe()
	}

	c.mu.Lock()
	c.sessions = make(map[string]*entry)
	c.status = StatusStopped
	c.mu.Unlock()

	c.logger.Info("coordinator stopped", "sessions_closed", len(entries))
	return nil
}

// awaitSessions waits until every running or waiting session finishes, the
// timeout lapses, or ctx is cancelled.
func (c *Coordinator) awaitSessions(ctx context.Context, entries []*entry, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range entries {
		switch e.handle.Status() {
		case models.StatusRunning, models.StatusWaiting:
			wg.Add(1)
			go func(h *runtime.Handle) {
				defer wg.Done()
				// A timeout here just falls through to terminate below.
				_, _ = h.Wait(waitCtx)
			}(e.handle)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
	}
}

// Spawn creates a fresh session, registers it, and starts its run loop. The
// returned handle is already live.
func (c *Coordinator) Spawn(ctx context.Context, a adapter.Adapter, cfg SpawnConfig) (*runtime.Handle, error) {
	if err := c.requireRunning(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()

	guidancePath := cfg.GuidancePath
	if guidancePath == "" {
		guidancePath = c.guidance
	}
	if guidancePath == "" {
		return nil, ErrNoGuidance
	}
	loader := guidance.NewLoader(guidancePath, c.logger)

	skills := loader.Skills()
	if c.skills != "" {
		skills = append(skills, guidance.LoadSkills(c.skills, c.logger)...)
	}

	metadata := cfg.Metadata
	if c.timezone != "" {
		metadata = cloneMetadata(metadata)
		metadata["timezone"] = c.timezone
	}

	var injection *adapter.ContextInjection
	if c.injectors != nil {
		systemContext, ok := c.injectors.CollectSystemContext(ctx, injector.InjectContext{
			SessionID:    sessionID,
			GuidancePath: guidancePath,
			Task:         cfg.Task,
			Tags:         cfg.Tags,
			Metadata:     metadata,
		}, "")
		if ok {
			injection = &adapter.ContextInjection{SystemContext: systemContext}
		}
	}

	inst, err := a.Create(ctx, adapter.CreateConfig{
		SessionID:        sessionID,
		Guidance:         guidance.ToolView{Loader: loader},
		Task:             cfg.Task,
		Limits:           cfg.Limits,
		Input:            cfg.Input,
		ParentID:         cfg.ParentID,
		Tools:            c.tools,
		Tags:             cfg.Tags,
		Metadata:         metadata,
		Skills:           skills,
		ContextInjection: injection,
		Logger:           c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	handle := c.register(inst, a, cfg.Tags, cfg.ParentID)
	c.events.Emit(Event{
		Type:      EventAgentSpawned,
		SessionID: sessionID,
		Tags:      cfg.Tags,
		ParentID:  cfg.ParentID,
	})
	c.metrics.SessionSpawned(a.ModelProvider())
	handle.Start(ctx)
	return handle, nil
}

// Continue restores a checkpointed session and starts it. The session keeps
// its id, creation time, and turn count; a live session id is rejected.
func (c *Coordinator) Continue(ctx context.Context, sessionID string, input models.AgentInput, a adapter.Adapter, cfg *ContinueConfig) (*runtime.Handle, error) {
	if err := c.requireRunning(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.sessions[sessionID]; ok && !e.handle.Status().Terminal() {
		c.mu.Unlock()
		return nil, fmt.Errorf("continue %s: %w", sessionID, ErrSessionLive)
	}
	c.mu.Unlock()

	cp, err := c.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("continue %s: %w", sessionID, ErrCheckpointNotFound)
	}

	guidancePath := cp.Guidance.GuidancePath
	if cfg != nil && cfg.GuidancePath != "" {
		guidancePath = cfg.GuidancePath
	}
	if guidancePath == "" {
		guidancePath = c.guidance
	}
	loader := guidance.NewLoader(guidancePath, c.logger)

	skills := loader.Skills()
	if c.skills != "" {
		skills = append(skills, guidance.LoadSkills(c.skills, c.logger)...)
	}

	var injection *adapter.ContextInjection
	if c.injectors != nil {
		resume := c.injectors.CollectResumeContext(ctx, injector.InjectContext{
			SessionID:    sessionID,
			GuidancePath: guidancePath,
			Task:         cp.Session.Task,
			Tags:         cp.Session.Tags,
			Metadata:     cp.Session.Metadata,
			Checkpoint:   cp,
		})
		if len(resume) > 0 {
			injection = &adapter.ContextInjection{ResumeMessages: resume}
		}
	}

	inst, err := a.Restore(ctx, cp, adapter.CreateConfig{
		SessionID:        sessionID,
		Guidance:         guidance.ToolView{Loader: loader},
		Input:            input,
		Tools:            c.tools,
		Skills:           skills,
		ContextInjection: injection,
		Logger:           c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}

	handle := c.register(inst, a, cp.Session.Tags, cp.Session.ParentID)
	c.events.Emit(Event{
		Type:      EventAgentSpawned,
		SessionID: sessionID,
		Tags:      cp.Session.Tags,
		ParentID:  cp.Session.ParentID,
	})
	c.metrics.SessionSpawned(a.ModelProvider())
	handle.Start(ctx)
	return handle, nil
}

// register wraps the instance, stores the table entry, and wires session
// events onto the coordinator bus.
func (c *Coordinator) register(inst adapter.Instance, a adapter.Adapter, tags []string, parentID string) *runtime.Handle {
	handle := runtime.NewHandle(inst)
	e := &entry{handle: handle, adapter: a, tags: tags, parentID: parentID}

	e.unsubscribe = handle.Subscribe(func(ev models.AgentEvent) {
		c.events.Emit(Event{Type: EventAgentEvent, SessionID: inst.ID(), Agent: &ev})
		c.metrics.EventEmitted(string(ev.Type))
		if ev.Type != models.EventDone {
			return
		}

		result := ev.Done.Result
		c.persistCheckpoint(e)
		c.events.Emit(Event{Type: EventAgentDone, SessionID: inst.ID(), Result: &result})
		if result.Status == models.StatusFailed {
			c.events.Emit(Event{Type: EventAgentFailed, SessionID: inst.ID(), Result: &result})
		}
		c.metrics.SessionEnded(a.ModelProvider(), string(result.Status))
	})

	c.mu.Lock()
	c.sessions[inst.ID()] = e
	c.mu.Unlock()
	return handle
}

// persistCheckpoint writes the session's final checkpoint, enriched with the
// adapter's provider and model identity. Failed and terminated sessions are
// checkpointed the same as completed ones.
func (c *Coordinator) persistCheckpoint(e *entry) {
	if c.store == nil {
		return
	}
	cp, err := e.handle.Checkpoint()
	if err != nil {
		c.logger.Error("checkpoint failed", "session_id", e.handle.ID(), "error", err)
		return
	}
	cp.AdapterConfig.Provider = e.adapter.ModelProvider()
	cp.AdapterConfig.Model = e.adapter.ModelName()
	if err := c.store.Save(context.Background(), cp); err != nil {
		c.logger.Error("checkpoint save failed", "session_id", e.handle.ID(), "error", err)
		return
	}
	c.metrics.CheckpointWritten()
	c.logger.Debug("checkpoint saved", "session_id", e.handle.ID())
}

func (c *Coordinator) requireRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return fmt.Errorf("status %q: %w", c.status, ErrNotRunning)
	}
	return nil
}

// Get returns the handle for a session id.
func (c *Coordinator) Get(sessionID string) (*runtime.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// GetAdapter returns the adapter a session was created with.
func (c *Coordinator) GetAdapter(sessionID string) (adapter.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// List returns the handles matching the filter.
func (c *Coordinator) List(filter Filter) []*runtime.Handle {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	var out []*runtime.Handle
	for _, e := range entries {
		if !matches(e, filter) {
			continue
		}
		out = append(out, e.handle)
	}
	return out
}

func matches(e *entry, filter Filter) bool {
	if len(filter.Statuses) > 0 {
		status := e.handle.Status()
		found := false
		for _, s := range filter.Statuses {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Tags) > 0 {
		found := false
		for _, want := range filter.Tags {
			for _, have := range e.tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if filter.ParentID != "" && e.parentID != filter.ParentID {
		return false
	}
	return true
}

// Subscribe registers a handler for coordinator events and returns its
// cancel function.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	return c.events.Subscribe(fn)
}

// Events returns a live consumer channel of coordinator events.
func (c *Coordinator) Events() <-chan Event {
	return c.events.Events()
}

// ListCheckpoints returns the stored session ids, empty when no store is
// configured.
func (c *Coordinator) ListCheckpoints(ctx context.Context) ([]string, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.List(ctx)
}

// LoadCheckpoint returns the stored checkpoint for a session id, or nil.
func (c *Coordinator) LoadCheckpoint(ctx context.Context, sessionID string) (*models.AgentCheckpoint, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.Load(ctx, sessionID)
}

// DeleteCheckpoint removes a stored checkpoint and reports whether one
// existed.
func (c *Coordinator) DeleteCheckpoint(ctx context.Context, sessionID string) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	return c.store.Delete(ctx, sessionID)
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
