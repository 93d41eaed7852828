package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leonletto/threadview/internal/config"
	"github.com/leonletto/threadview/internal/logging"
	"github.com/leonletto/threadview/internal/metrics"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagConfig  string
	flagJSON    bool
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "threadview",
		Short: "Live conversation view",
		Long: `threadview keeps a chat conversation view consistent while history
pages, local sends and live push events arrive in any order.

It connects to a JSON-RPC websocket backend, or replays a recorded
event stream for debugging.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ./threadview.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("threadview v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(configGroupCmd())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level := cfg.Log.Level
	if flagVerbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, Pretty: cfg.Log.Pretty})
}

// startMetrics registers the collectors and, when addr is set, serves them
// on /metrics until ctx is done.
func startMetrics(ctx context.Context, addr string, log zerolog.Logger) (*metrics.Collectors, error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if addr == "" {
		return m, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return m, nil
}

func configGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
		Long:  `View and manage threadview configuration (TOML file plus THREADVIEW_ environment overrides).`,
	}

	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration from all sources",
		Long: `Show the effective configuration resolved from defaults, the config
file and environment variables.

Examples:
  threadview config show
  THREADVIEW_SEND__TIMEOUT=30s threadview config show --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cfg.Server.Token != "" {
				cfg.Server.Token = "********"
			}

			if flagJSON {
				output, _ := json.MarshalIndent(cfg, "", "  ")
				fmt.Println(string(output))
			} else {
				fmt.Printf("server.url            %s\n", cfg.Server.URL)
				fmt.Printf("conversation.page     %d (max pending %d, role %s)\n",
					cfg.Conversation.PageSize, cfg.Conversation.MaxPending, cfg.Conversation.SenderRole)
				fmt.Printf("send                  timeout %s, %d attempt(s), retry every %s\n",
					cfg.Send.Timeout, cfg.Send.MaxAttempts, cfg.Send.RetryInterval)
				fmt.Printf("reconcile             %d attempt(s), every %s\n", cfg.Reconcile.MaxAttempts, cfg.Reconcile.Interval)
				fmt.Printf("typing.ttl            %s\n", cfg.Typing.TTL)
				fmt.Printf("view                  tz %s, banners %t, unread %t, typing %t, echo %t\n",
					cfg.View.Timezone, cfg.View.DayBanners, cfg.View.UnreadMarker, cfg.View.TypingIndicator, cfg.View.OptimisticEcho)
				fmt.Printf("cache                 %q (ttl %s)\n", cfg.Cache.Path, cfg.Cache.TTL)
				fmt.Printf("log                   %s (pretty %t)\n", cfg.Log.Level, cfg.Log.Pretty)
				fmt.Printf("metrics.addr          %q\n", cfg.Metrics.Addr)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "threadview.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.InitConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show threadview version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				output := map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				}
				data, err := json.MarshalIndent(output, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("threadview v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}
