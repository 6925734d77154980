package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// skipApp marks commands that run without config, storage or a backend client.
const skipApp = "skip-app"

type globalFlags struct {
	configFile string
	backendURL string
	token      string
	verbose    bool
}

// cli holds the state shared by every command of one invocation.
type cli struct {
	flags globalFlags
	app   *app
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one command line. Ctrl-C cancels the command context.
func run(args []string, out, errOut io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	if c.app != nil {
		if cerr := c.app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cipher",
		Short: "Run and track repository analyses",
		Long: `cipher submits repositories to the analysis backend, follows each task's
progress over its websocket and keeps a local history of active and archived tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipApp] == "true" {
				return nil
			}
			a, err := newApp(cmd.Context(), c.flags)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configFile, "config", "cipher.yaml", "config file (YAML)")
	pf.StringVar(&c.flags.backendURL, "backend", "", "backend base URL (overrides config)")
	pf.StringVar(&c.flags.token, "token", "", "bearer token (overrides config and stored login)")
	pf.BoolVarP(&c.flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		c.analyzeCmd(),
		c.tasksCmd(),
		c.showCmd(),
		c.cancelCmd(),
		c.archiveCmd(),
		c.unarchiveCmd(),
		c.deleteCmd(),
		c.toolsCmd(),
		c.healthCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.versionCmd(),
	)
	return root
}
