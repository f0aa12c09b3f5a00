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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vlmd/internal/config"
	"vlmd/internal/httpapi"
	"vlmd/internal/service"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "vlmd",
		Short:         "Vision-language document extraction service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("VLMD_CONFIG"), "Config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Dotenv file loaded before the environment overlay (default .env if present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level: debug|info|warn|error")

	root.AddCommand(
		newServeCmd(g),
		newInferCmd(g),
		newTasksCmd(g),
		newHardwareCmd(g),
		newBatchCmd(),
		newConfigCmd(g),
	)
	return root
}

// load resolves the effective configuration for a subcommand.
func (g *globals) load() (config.Config, error) {
	var err error
	if g.envFile != "" {
		err = config.LoadDotEnv(g.envFile)
	} else {
		err = config.LoadDotEnv()
	}
	if err != nil && g.envFile != "" {
		return config.Config{}, fmt.Errorf("env file: %w", err)
	}
	cfg, err := config.Resolve(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr        string
		corsOrigins string
		preload     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if corsOrigins != "" {
				cfg.Server.CORSEnabled = true
				cfg.Server.CORSOrigins = splitCSV(corsOrigins)
			}
			if addr == "" {
				addr = cfg.Server.Addr()
			}
			log, closeLog, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()
			return serve(cmd.Context(), cfg, addr, preload, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("VLMD_ADDR"), "HTTP listen address (default server.host:server.port)")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins")
	cmd.Flags().BoolVar(&preload, "preload", false, "Load the model before accepting requests")
	return cmd
}

func serve(parent context.Context, cfg config.Config, addr string, preload bool, log zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(cfg, service.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.Configure(cfg.Server)

	if preload {
		log.Info().Str("model", cfg.Model.ModelID()).Str("backend", cfg.Backend.Mode).Msg("preloading model")
		if err := svc.Preload(ctx); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("model", cfg.Model.ModelID()).Msg("vlmd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// splitCSV splits a comma-separated flag value, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
