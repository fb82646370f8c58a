package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/usegenii/strand/internal/config"
	"github.com/usegenii/strand/internal/snapshot"
)

func newCheckpointsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect stored session checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd(root))
	cmd.AddCommand(newCheckpointsShowCmd(root))
	cmd.AddCommand(newCheckpointsDeleteCmd(root))
	return cmd
}

// openStore builds just the checkpoint store; checkpoint commands do not
// need a coordinator or a model adapter.
func openStore(root *rootFlags) (snapshot.Store, error) {
	cfg, err := config.LoadOrDefault(root.configPath)
	if err != nil {
		return nil, err
	}
	return buildStore(cfg.Storage)
}

func newCheckpointsListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpointed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root)
			if err != nil {
				return err
			}
			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPROVIDER\tMODEL\tTURNS\tTASK\tSAVED")
			for _, id := range ids {
				cp, err := store.Load(cmd.Context(), id)
				if err != nil || cp == nil {
					continue
				}
				task := cp.Session.Task
				if len(task) > 40 {
					task = task[:37] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					id, cp.AdapterConfig.Provider, cp.AdapterConfig.Model,
					cp.Session.Metrics.Turns, task,
					cp.Timestamp.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newCheckpointsShowCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root)
			if err != nil {
				return err
			}
			cp, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				return fmt.Errorf("no checkpoint for session %s", args[0])
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(cp)
		},
	}
}

func newCheckpointsDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root)
			if err != nil {
				return err
			}
			existed, err := store.Delete(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("no checkpoint for session %s", args[0])
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}
