package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/coordinator"
	"github.com/usegenii/strand/internal/runtime"
	"github.com/usegenii/strand/pkg/models"
)

type runFlags struct {
	guidance   string
	message    string
	tags       []string
	maxTurns   int
	approveAll bool
	verbose    bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Spawn an agent session and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, root)
			if err != nil {
				return err
			}
			defer app.close(context.Background())

			task := ""
			if len(args) > 0 {
				task = args[0]
			}
			if task == "" && flags.message == "" {
				return fmt.Errorf("a task argument or --message is required")
			}

			limits := adapter.Limits{
				MaxTurns:     app.cfg.Session.MaxTurns,
				MaxToolCalls: app.cfg.Session.MaxToolCalls,
				Timeout:      app.cfg.Session.Timeout,
			}
			if flags.maxTurns > 0 {
				limits.MaxTurns = flags.maxTurns
			}

			handle, err := app.coord.Spawn(ctx, app.adapter, coordinator.SpawnConfig{
				GuidancePath: flags.guidance,
				Task:         task,
				Input:        models.AgentInput{Message: flags.message},
				Limits:       limits,
				Tags:         flags.tags,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "session:", handle.ID())

			return streamSession(ctx, handle, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.guidance, "guidance", "g", "", "guidance bundle path (overrides config)")
	cmd.Flags().StringVarP(&flags.message, "message", "m", "", "first user message")
	cmd.Flags().StringSliceVarP(&flags.tags, "tag", "t", nil, "session tags")
	cmd.Flags().IntVar(&flags.maxTurns, "max-turns", 0, "turn limit (0 = default)")
	cmd.Flags().BoolVarP(&flags.approveAll, "yes", "y", false, "approve all approval requests without prompting")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "print tool activity and thinking")
	return cmd
}

func newContinueCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "continue <session-id>",
		Short: "Continue a checkpointed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, root)
			if err != nil {
				return err
			}
			defer app.close(context.Background())

			var cfg *coordinator.ContinueConfig
			if flags.guidance != "" {
				cfg = &coordinator.ContinueConfig{GuidancePath: flags.guidance}
			}
			handle, err := app.coord.Continue(ctx, args[0], models.AgentInput{Message: flags.message}, app.adapter, cfg)
			if err != nil {
				return err
			}

			return streamSession(ctx, handle, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.guidance, "guidance", "g", "", "guidance bundle path (overrides checkpoint)")
	cmd.Flags().StringVarP(&flags.message, "message", "m", "", "message for the resumed turn")
	cmd.Flags().BoolVarP(&flags.approveAll, "yes", "y", false, "approve all approval requests without prompting")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "print tool activity and thinking")
	return cmd
}

// streamSession prints session events until the done event. Suspensions are
// answered from the terminal (or auto-approved with --yes).
func streamSession(ctx context.Context, handle *runtime.Handle, flags *runFlags) error {
	stdin := bufio.NewReader(os.Stdin)

	for ev := range handle.Events(ctx) {
		switch ev.Type {
		case models.EventOutput:
			fmt.Print(ev.Output.Text)
			if ev.Output.Final {
				fmt.Println()
			}

		case models.EventThought:
			if flags.verbose {
				fmt.Fprintf(os.Stderr, "[thinking] %s\n", ev.Thought.Content)
			}

		case models.EventToolStart:
			if flags.verbose {
				fmt.Fprintf(os.Stderr, "[tool] %s %s\n", ev.Tool.Name, string(ev.Tool.Input))
			}

		case models.EventToolEnd:
			if flags.verbose {
				if ev.Tool.Error != "" {
					fmt.Fprintf(os.Stderr, "[tool] %s failed: %s\n", ev.Tool.Name, ev.Tool.Error)
				} else {
					fmt.Fprintf(os.Stderr, "[tool] %s done (%dms)\n", ev.Tool.Name, ev.Tool.ElapsedMS)
				}
			}

		case models.EventSuspended:
			resolutions := make([]models.PendingResolution, 0, len(ev.Suspended.Requests))
			for _, req := range ev.Suspended.Requests {
				res, err := resolveRequest(stdin, req, flags.approveAll)
				if err != nil {
					return err
				}
				resolutions = append(resolutions, res)
			}
			handle.Resolve(resolutions)

		case models.EventError:
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Error.Message)

		case models.EventDone:
			result := ev.Done.Result
			fmt.Fprintf(os.Stderr, "\nsession %s: %s (%d turns, %d tool calls, %dms)\n",
				result.SessionID, result.Status, result.Metrics.Turns,
				result.Metrics.ToolCalls, result.Metrics.DurationMS)
			if result.Status != models.StatusCompleted {
				return fmt.Errorf("session ended %s: %s", result.Status, result.Error)
			}
			return nil
		}
	}
	return ctx.Err()
}

// resolveRequest answers one pending request interactively.
func resolveRequest(stdin *bufio.Reader, req models.PendingRequest, approveAll bool) (models.PendingResolution, error) {
	switch req.Kind {
	case models.SuspendApproval:
		if approveAll {
			approved := true
			return models.PendingResolution{ToolCallID: req.ToolCallID, Approved: &approved}, nil
		}
		fmt.Fprintf(os.Stderr, "\n%s requests approval: %v\napprove? [y/N] ", req.ToolName, req.Payload)
		line, err := stdin.ReadString('\n')
		if err != nil {
			return models.PendingResolution{}, fmt.Errorf("read approval: %w", err)
		}
		approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
		return models.PendingResolution{ToolCallID: req.ToolCallID, Approved: &approved}, nil

	case models.SuspendUserInput:
		fmt.Fprintf(os.Stderr, "\n%s requests input: %v\n> ", req.ToolName, req.Payload)
		line, err := stdin.ReadString('\n')
		if err != nil {
			return models.PendingResolution{}, fmt.Errorf("read input: %w", err)
		}
		return models.PendingResolution{ToolCallID: req.ToolCallID, Result: strings.TrimSpace(line)}, nil

	default:
		// Events and sleeps have no interactive answer; cancel so the
		// session does not hang forever on the terminal.
		return models.PendingResolution{
			ToolCallID: req.ToolCallID,
			Cancel:     true,
			Reason:     fmt.Sprintf("no interactive handler for %s suspension", req.Kind),
		}, nil
	}
}
