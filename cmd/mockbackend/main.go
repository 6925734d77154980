package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/mockapi"
	"repo-cipher/pkg/version"
)

type options struct {
	addr         string
	tools        []string
	failTool     string
	failAnalysis bool
	stepDelay    time.Duration
	requireAuth  bool
	jwtSecret    string
	users        []string
	tlsCert      string
	tlsKey       string
	clientCA     string
	verbose      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := options{}
	cmd := &cobra.Command{
		Use:   "mockbackend",
		Short: "Scripted stand-in for the analysis backend",
		Long: `Serves task creation, per-task websocket streams, the tool registry, health
and a dev login, replaying the same scripted analysis for every task.`,
		Version:       version.Build,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8000", "listen address")
	f.StringSliceVar(&o.tools, "tools", nil, "tools to run, in order (default: the advertised registry)")
	f.StringVar(&o.failTool, "fail-tool", "", "tool that reports an error")
	f.BoolVar(&o.failAnalysis, "fail-analysis", false, "end every task with analysis_error")
	f.DurationVar(&o.stepDelay, "step-delay", 500*time.Millisecond, "pause before each frame")
	f.BoolVar(&o.requireAuth, "require-auth", false, "require a bearer token issued by /api/v1/auth/login")
	f.StringVar(&o.jwtSecret, "jwt-secret", os.Getenv("CIPHER_JWT_SECRET"), "token signing secret (env CIPHER_JWT_SECRET)")
	f.StringSliceVar(&o.users, "user", []string{"dev:dev"}, "login user as name:password (repeatable)")
	f.StringVar(&o.tlsCert, "tls-cert", "", "TLS cert path (enables HTTPS with --tls-key)")
	f.StringVar(&o.tlsKey, "tls-key", "", "TLS key path (enables HTTPS with --tls-cert)")
	f.StringVar(&o.clientCA, "client-ca", "", "require client certs signed by this CA")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func parseUsers(pairs []string) (map[string]string, error) {
	users := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, pass, ok := strings.Cut(p, ":")
		if !ok || name == "" || pass == "" {
			return nil, fmt.Errorf("invalid --user %q, want name:password", p)
		}
		users[name] = pass
	}
	return users, nil
}

func serve(ctx context.Context, o options) error {
	level := "info"
	if o.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	users, err := parseUsers(o.users)
	if err != nil {
		return err
	}
	mock, err := mockapi.New(mockapi.Options{
		Script: mockapi.Script{
			Tools:        o.tools,
			FailTool:     o.failTool,
			FailAnalysis: o.failAnalysis,
			StepDelay:    o.stepDelay,
		},
		Users:       users,
		RequireAuth: o.requireAuth,
		JWTSecret:   o.jwtSecret,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	useTLS := o.tlsCert != "" && o.tlsKey != ""
	if useTLS {
		cfg, err := mockapi.ServerTLSConfig(o.tlsCert, o.tlsKey, o.clientCA)
		if err != nil {
			return fmt.Errorf("build TLS config: %w", err)
		}
		srv.TLSConfig = cfg
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock backend listening", zap.String("addr", o.addr), zap.Bool("tls", useTLS),
			zap.String("version", version.Build))
		if useTLS {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	mock.Wait()
	return nil
}
