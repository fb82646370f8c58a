// Package injector assembles session context from an ordered pipeline of
// pluggable providers. Injectors contribute either fragments of the initial
// system prompt (on spawn) or resume messages (on continue).
package injector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/usegenii/strand/pkg/models"
)

// DefaultSeparator joins system context fragments from distinct injectors.
const DefaultSeparator = "\n\n---\n\n"

// InjectContext is the request-scoped input handed to each injector.
type InjectContext struct {
	SessionID    string
	GuidancePath string
	Task         string
	Tags         []string
	Metadata     map[string]any

	// Checkpoint is set for resume context collection.
	Checkpoint *models.AgentCheckpoint
}

// Injector contributes context to a session. Either method may return its
// zero value to contribute nothing.
type Injector interface {
	// Name uniquely identifies the injector within a registry.
	Name() string

	// Order positions the injector in the pipeline; lower runs first.
	Order() int

	// InjectSystemContext returns a fragment of the initial system prompt.
	InjectSystemContext(ctx context.Context, in InjectContext) (string, error)

	// InjectResumeContext returns messages to append when continuing from
	// a checkpoint.
	InjectResumeContext(ctx context.Context, in InjectContext) ([]models.CheckpointMessage, error)
}

// Registry holds injectors ordered by their Order value. A failing injector
// is logged and skipped; the pipeline always runs to completion.
type Registry struct {
	mu        sync.RWMutex
	injectors map[string]Injector
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{injectors: make(map[string]Injector), logger: logger}
}

// Register adds an injector. Duplicate names are rejected.
func (r *Registry) Register(in Injector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := in.Name()
	if _, ok := r.injectors[name]; ok {
		return fmt.Errorf("injector %q already registered", name)
	}
	r.injectors[name] = in
	return nil
}

// ordered returns the injectors sorted by ascending Order, name-tiebroken
// for determinism.
func (r *Registry) ordered() []Injector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Injector, 0, len(r.injectors))
	for _, in := range r.injectors {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// CollectSystemContext runs the pipeline and concatenates non-empty
// fragments with the separator. It returns ("", false) when every injector
// contributed nothing, so callers can distinguish absence from an empty
// string.
func (r *Registry) CollectSystemContext(ctx context.Context, in InjectContext, separator string) (string, bool) {
	if separator == "" {
		separator = DefaultSeparator
	}
	var parts []string
	for _, inj := range r.ordered() {
		fragment, err := r.runSystem(ctx, inj, in)
		if err != nil {
			r.logger.Warn("context injector failed; skipping", "injector", inj.Name(), "error", err)
			continue
		}
		if fragment != "" {
			parts = append(parts, fragment)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, separator), true
}

// CollectResumeContext runs the pipeline and concatenates the returned
// message slices in order.
func (r *Registry) CollectResumeContext(ctx context.Context, in InjectContext) []models.CheckpointMessage {
	var out []models.CheckpointMessage
	for _, inj := range r.ordered() {
		msgs, err := r.runResume(ctx, inj, in)
		if err != nil {
			r.logger.Warn("context injector failed; skipping", "injector", inj.Name(), "error", err)
			continue
		}
		out = append(out, msgs...)
	}
	return out
}

// runSystem isolates injector panics the same way it isolates errors.
func (r *Registry) runSystem(ctx context.Context, inj Injector, in InjectContext) (fragment string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("injector panicked: %v", p)
		}
	}()
	return inj.InjectSystemContext(ctx, in)
}

func (r *Registry) runResume(ctx context.Context, inj Injector, in InjectContext) (msgs []models.CheckpointMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("injector panicked: %v", p)
		}
	}()
	return inj.InjectResumeContext(ctx, in)
}

// Func is a convenience injector built from closures. Nil closures
// contribute nothing.
type Func struct {
	InjectorName  string
	InjectorOrder int
	System        func(ctx context.Context, in InjectContext) (string, error)
	Resume        func(ctx context.Context, in InjectContext) ([]models.CheckpointMessage, error)
}

func (f *Func) Name() string { return f.InjectorName }
func (f *Func) Order() int   { return f.InjectorOrder }

func (f *Func) InjectSystemContext(ctx context.Context, in InjectContext) (string, error) {
	if f.System == nil {
		return "", nil
	}
	return f.System(ctx, in)
}

func (f *Func) InjectResumeContext(ctx context.Context, in InjectContext) ([]models.CheckpointMessage, error) {
	if f.Resume == nil {
		return nil, nil
	}
	return f.Resume(ctx, in)
}
