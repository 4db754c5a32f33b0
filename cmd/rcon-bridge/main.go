package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rcon-bridge/internal/bridge"
	"rcon-bridge/internal/config"
)

var version = "dev"

var (
	cfgPath     string
	metricsAddr string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "rcon-bridge",
	Short: "WebSocket to RCON console bridge",
	Long: `rcon-bridge terminates browser WebSockets and speaks the native RCON
protocol to game servers, so a web console can issue commands and watch
server output without opening raw TCP sockets from the page.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(debug)

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			go func() {
				if err := bridge.StartMetricsServer(ctx, metricsAddr); err != nil {
					log.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			log.Info().Str("addr", metricsAddr).Msg("metrics listening")
		}

		srv := bridge.NewServer(cfg, bridge.Options{Logger: log})
		httpSrv := &http.Server{
			Addr:              cfg.Listen.HTTP,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			log.Info().
				Str("addr", cfg.Listen.HTTP).
				Str("path", cfg.Path).
				Str("upstream", cfg.Upstream.Protocol).
				Msg("bridge listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Shutdown stops new upgrades; live sessions are hijacked
		// connections, so the bridge closes them itself.
		httpSrv.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not drain in time")
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a configuration file and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		fmt.Printf("listen:     %s\n", cfg.Listen.HTTP)
		fmt.Printf("path:       %s\n", cfg.Path)
		fmt.Printf("auth mode:  %s\n", cfg.AuthMode)
		fmt.Printf("upstream:   %s %s:%d\n", cfg.Upstream.Protocol, cfg.Upstream.Host, cfg.Upstream.Port)
		fmt.Printf("timeout:    %s\n", cfg.Timeout)
		if cfg.RateLimit.Enabled() {
			fmt.Printf("rate limit: %g/s burst %d\n", cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
		} else {
			fmt.Printf("rate limit: off\n")
		}
		fmt.Printf("stateless:  %v (heartbeat %s)\n", cfg.Stateless.Enabled, cfg.Stateless.Heartbeat)
		fmt.Println("config OK")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rcon-bridge %s\n", version)
	},
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9100")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
