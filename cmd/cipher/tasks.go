package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repo-cipher/pkg/model"
	"repo-cipher/pkg/view"
)

func (c *cli) tasksCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := c.app.store.Snapshot()
			var tasks []model.Task
			switch filter {
			case "all":
				tasks = st.Tasks
			case "active":
				tasks = st.Active()
			case "completed":
				tasks = st.Completed()
			case "failed":
				tasks = st.Failed()
			case "archived":
				tasks = st.Archived
			default:
				return fmt.Errorf("unknown filter %q (want active|completed|failed|archived|all)", filter)
			}
			fmt.Fprintln(cmd.OutOrStdout(), view.TaskList(tasks, c.app.now()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "all", "active|completed|failed|archived|all")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.app.resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), view.TaskDetail(t, c.app.now()))
			return nil
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			t, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s\n", t.ID, t.Status)
				return nil
			}
			if err := a.sendCancel(cmd.Context(), t); err != nil {
				a.logger.Warn("cancel frame not delivered", zap.String("task", t.ID), zap.Error(err))
			}
			if err := a.store.CancelTask(t.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", t.ID)
			return nil
		},
	}
}

// listCmd builds the single-argument commands that apply one store operation.
func (c *cli) listCmd(use, short, verb string, op func(a *app, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.app.resolve(args[0])
			if err != nil {
				return err
			}
			if err := op(c.app, t.ID); err != nil {
				return fmt.Errorf("%s %s: %w", use, t.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, t.ID)
			return nil
		},
	}
}

func (c *cli) archiveCmd() *cobra.Command {
	return c.listCmd("archive", "Move a task to the archive", "archived",
		func(a *app, id string) error { return a.store.ArchiveTask(id) })
}

func (c *cli) unarchiveCmd() *cobra.Command {
	return c.listCmd("unarchive", "Restore an archived task", "unarchived",
		func(a *app, id string) error { return a.store.UnarchiveTask(id) })
}

func (c *cli) deleteCmd() *cobra.Command {
	return c.listCmd("delete", "Delete a task from the history", "deleted",
		func(a *app, id string) error { return a.store.DeleteTask(id) })
}
