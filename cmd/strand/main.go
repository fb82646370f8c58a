// Command strand runs LLM agent sessions from the terminal: spawn a session
// against a guidance bundle, stream its events, answer approval requests,
// and continue checkpointed sessions later.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/adapter/anthropic"
	"github.com/usegenii/strand/internal/adapter/openai"
	"github.com/usegenii/strand/internal/config"
	"github.com/usegenii/strand/internal/coordinator"
	"github.com/usegenii/strand/internal/injector"
	"github.com/usegenii/strand/internal/observability"
	"github.com/usegenii/strand/internal/snapshot"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/internal/tools/shell"
)

var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "strand",
		Short:         "Durable LLM agent orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override log format (json|text)")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newContinueCmd(flags))
	cmd.AddCommand(newCheckpointsCmd(flags))
	return cmd
}

// appState bundles everything a command needs: config, store, adapter, and
// a running coordinator.
type appState struct {
	cfg     *config.Config
	store   snapshot.Store
	adapter adapter.Adapter
	coord   *coordinator.Coordinator
}

// setup loads config and assembles a started coordinator.
func setup(ctx context.Context, flags *rootFlags) (*appState, error) {
	cfg, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	modelAdapter, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if cfg.Tools.Shell.Enabled {
		if err := registry.Register(shell.New(shell.Config{
			Workspace:       cfg.Tools.Shell.Workspace,
			RequireApproval: cfg.Tools.Shell.RequireApproval,
			Timeout:         cfg.Tools.Shell.Timeout,
			MaxOutput:       cfg.Tools.Shell.MaxOutput,
		})); err != nil {
			return nil, err
		}
	}

	injectors := injector.NewRegistry(logger)
	if err := injectors.Register(datetimeInjector(cfg.Coordinator.Timezone)); err != nil {
		return nil, err
	}

	coord := coordinator.New(coordinator.Config{
		Store:               store,
		DefaultGuidancePath: cfg.Guidance.Path,
		SkillsPath:          cfg.Guidance.SkillsPath,
		Injectors:           injectors,
		Tools:               registry,
		Timezone:            cfg.Coordinator.Timezone,
		Logger:              logger,
	})
	if err := coord.Start(ctx); err != nil {
		return nil, err
	}

	return &appState{
		cfg:     cfg,
		store:   store,
		adapter: modelAdapter,
		coord:   coord,
	}, nil
}

// close shuts the coordinator down, honoring the configured graceful window.
func (a *appState) close(ctx context.Context) {
	_ = a.coord.Shutdown(ctx, coordinator.ShutdownOptions{
		Timeout: a.cfg.Coordinator.ShutdownTimeout,
	})
}

func buildStore(cfg config.StorageConfig) (snapshot.Store, error) {
	switch cfg.Driver {
	case "memory":
		return snapshot.NewMemoryStore(), nil
	case "file":
		return snapshot.NewFileStore(cfg.Path), nil
	case "sqlite":
		return snapshot.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Provider {
	case "anthropic":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return anthropic.New(anthropic.Config{
			APIKey:         apiKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			ThinkingBudget: cfg.ThinkingBudget,
		})
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(openai.Config{
			APIKey:     apiKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("unknown adapter provider %q", cfg.Provider)
	}
}

// datetimeInjector contributes the current wall-clock time to every session's
// system prompt so the model does not guess the date.
func datetimeInjector(timezone string) injector.Injector {
	return &injector.Func{
		InjectorName:  "datetime",
		InjectorOrder: 10,
		System: func(ctx context.Context, in injector.InjectContext) (string, error) {
			now := time.Now()
			if timezone != "" {
				if loc, err := time.LoadLocation(timezone); err == nil {
					now = now.In(loc)
				}
			}
			return "Current time: " + now.Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
		},
	}
}
