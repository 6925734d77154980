package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"repo-cipher/pkg/model"
	"repo-cipher/pkg/store"
	"repo-cipher/pkg/view"
)

const (
	maxConcurrentCreates = 4
	followPoll           = 250 * time.Millisecond
)

func (c *cli) analyzeCmd() *cobra.Command {
	var (
		prompt string
		title  string
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <repo-url>...",
		Short: "Start an analysis for one or more repositories",
		Long: `Creates one task per repository and follows their progress until every task
reaches a terminal state. Ctrl-C cancels the tasks still running.

Example:
  cipher analyze https://github.com/acme/widgets --prompt "audit the auth flow"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()
			ids, createErr := a.createAll(cmd.Context(), args, prompt, title)
			for _, id := range ids {
				fmt.Fprintf(out, "created %s\n", id)
			}
			if len(ids) == 0 {
				return createErr
			}
			if detach {
				return createErr
			}
			if err := a.follow(cmd.Context(), out, ids); err != nil {
				return err
			}
			failed := 0
			for _, id := range ids {
				if t, ok := a.store.Task(id); ok {
					fmt.Fprintln(out)
					fmt.Fprintln(out, view.TaskDetail(t, a.now()))
					if t.Status == model.StatusFailed {
						failed++
					}
				}
			}
			if createErr != nil {
				return createErr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "instructions for the analysis")
	cmd.Flags().StringVar(&title, "title", "", "task title (defaults to the repository name)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "create the tasks and exit without following them")
	return cmd
}

// createAll creates one task per repository concurrently. It returns the ids created in
// argument order and the joined creation errors.
func (a *app) createAll(ctx context.Context, repos []string, prompt, title string) ([]string, error) {
	ids := make([]string, len(repos))
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentCreates)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			t, err := a.store.CreateTask(ctx, model.CreateTaskRequest{RepositoryURL: repo, Prompt: prompt, Title: title})
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", repo, err))
				mu.Unlock()
				return nil
			}
			ids[i] = t.ID
			return nil
		})
	}
	_ = g.Wait()

	created := ids[:0]
	for _, id := range ids {
		if id != "" {
			created = append(created, id)
		}
	}
	return created, errors.Join(errs...)
}

// follow prints a line whenever a task's status or step changes, until every task is
// terminal or its stream has ended. Cancelling ctx cancels the tasks still running.
func (a *app) follow(ctx context.Context, out io.Writer, ids []string) error {
	updates, unsubscribe := a.store.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	last := make(map[string]string, len(ids))
	check := func(st store.State) bool {
		done := true
		for _, id := range ids {
			t, _, ok := st.Find(id)
			if !ok {
				continue
			}
			if line := progressLine(t); line != last[id] {
				fmt.Fprintln(out, line)
				last[id] = line
			}
			if !t.Status.Terminal() && a.store.Live(id) {
				done = false
			}
		}
		return done
	}

	for {
		select {
		case <-ctx.Done():
			for _, id := range ids {
				if t, ok := a.store.Task(id); ok && t.Status.Active() {
					if err := a.store.CancelTask(id); err != nil {
						a.logger.Warn("cancel", zap.String("task", id), zap.Error(err))
					}
					fmt.Fprintf(out, "cancelled %s\n", id)
				}
			}
			return nil
		case st, ok := <-updates:
			if !ok {
				return errors.New("task store closed")
			}
			if check(st) {
				return nil
			}
		case <-ticker.C:
			if check(a.store.Snapshot()) {
				return nil
			}
		}
	}
}

func progressLine(t model.Task) string {
	name := t.RepositoryName
	if name == "" {
		name = t.ID
	}
	step := ""
	if t.Progress != nil {
		step = t.Progress.CurrentStep
	}
	return fmt.Sprintf("[%s] %s %s %s", name, view.StatusBadge(t.Status), view.ProgressBar(t.Progress, 20), step)
}
