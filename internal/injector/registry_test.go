package injector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/usegenii/strand/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(discardLogger())
	if err := r.Register(&Func{InjectorName: "memory"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Func{InjectorName: "memory"}); err == nil {
		t.Error("duplicate injector name accepted")
	}
}

func TestCollectSystemContextOrdersAndJoins(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, &Func{
		InjectorName: "b", InjectorOrder: 20,
		System: func(context.Context, InjectContext) (string, error) { return "second", nil },
	})
	mustRegister(t, r, &Func{
		InjectorName: "a", InjectorOrder: 10,
		System: func(context.Context, InjectContext) (string, error) { return "first", nil },
	})

	got, ok := r.CollectSystemContext(context.Background(), InjectContext{}, "")
	if !ok {
		t.Fatal("CollectSystemContext reported no content")
	}
	want := "first\n\n---\n\nsecond"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCollectSystemContextSkipsEmptyFragments(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, &Func{
		InjectorName: "empty", InjectorOrder: 1,
		System: func(context.Context, InjectContext) (string, error) { return "", nil },
	})
	mustRegister(t, r, &Func{
		InjectorName: "full", InjectorOrder: 2,
		System: func(context.Context, InjectContext) (string, error) { return "content", nil },
	})

	got, ok := r.CollectSystemContext(context.Background(), InjectContext{}, "")
	if !ok || got != "content" {
		t.Errorf("got (%q, %v), want (\"content\", true)", got, ok)
	}
}

func TestCollectSystemContextAllEmpty(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, &Func{InjectorName: "noop"})

	got, ok := r.CollectSystemContext(context.Background(), InjectContext{}, "")
	if ok || got != "" {
		t.Errorf("got (%q, %v), want (\"\", false)", got, ok)
	}
}

func TestCollectSystemContextSkipsFailingInjector(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, &Func{
		InjectorName: "broken", InjectorOrder: 1,
		System: func(context.Context, InjectContext) (string, error) {
			return "", errors.New("boom")
		},
	})
	mustRegister(t, r, &Func{
		InjectorName: "panicky", InjectorOrder: 2,
		System: func(context.Context, InjectContext) (string, error) {
			panic("unexpected")
		},
	})
	mustRegister(t, r, &Func{
		InjectorName: "ok", InjectorOrder: 3,
		System: func(context.Context, InjectContext) (string, error) { return "fine", nil },
	})

	got, ok := r.CollectSystemContext(context.Background(), InjectContext{}, "")
	if !ok || got != "fine" {
		t.Errorf("got (%q, %v), want (\"fine\", true)", got, ok)
	}
}

func TestCollectResumeContextConcatenates(t *testing.T) {
	r := NewRegistry(discardLogger())
	mustRegister(t, r, &Func{
		InjectorName: "second", InjectorOrder: 2,
		Resume: func(context.Context, InjectContext) ([]models.CheckpointMessage, error) {
			return []models.CheckpointMessage{
				{Role: models.RoleUser, Content: []models.Part{models.TextPart("b")}},
			}, nil
		},
	})
	mustRegister(t, r, &Func{
		InjectorName: "first", InjectorOrder: 1,
		Resume: func(context.Context, InjectContext) ([]models.CheckpointMessage, error) {
			return []models.CheckpointMessage{
				{Role: models.RoleUser, Content: []models.Part{models.TextPart("a")}},
			}, nil
		},
	})

	msgs := r.CollectResumeContext(context.Background(), InjectContext{})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Text() != "a" || msgs[1].Text() != "b" {
		t.Errorf("messages out of order: %q, %q", msgs[0].Text(), msgs[1].Text())
	}
}

func mustRegister(t *testing.T, r *Registry, in Injector) {
	t.Helper()
	if err := r.Register(in); err != nil {
		t.Fatal(err)
	}
}
