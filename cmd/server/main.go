package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/rosterpulse/internal/logging"
	"github.com/Tyrowin/rosterpulse/internal/server"
)

type options struct {
	configPath string
	port       string
	logLevel   string
	logFormat  string
	eager      bool
}

func main() {
	opts := &options{}

	var rootCmd = &cobra.Command{
		Use:          "rosterpulse-server",
		Short:        "Serve the rosterpulse notification channel",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file, reloaded on change")
	rootCmd.Flags().StringVarP(&opts.port, "port", "p", "", "listen address, overrides config (e.g. :8080)")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	rootCmd.Flags().StringVar(&opts.logFormat, "log-format", string(logging.FormatAuto), "auto, console or json")
	rootCmd.Flags().BoolVar(&opts.eager, "eager", false, "attach the engine at startup instead of on the first request")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	if _, err := logging.Setup(logging.Options{
		Level:  opts.logLevel,
		Format: logging.Format(opts.logFormat),
	}); err != nil {
		return err
	}

	cfg := server.NewConfigFromEnv()
	if opts.configPath != "" {
		loaded, err := server.LoadConfigFile(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}

	host := server.NewHost(cfg)
	active := server.CurrentConfig()
	log.Info().
		Str("addr", active.Port).
		Str("path", active.Path).
		Str("room", active.Room).
		Str("bus", active.Bus.Driver).
		Msg("starting rosterpulse server")

	if opts.eager {
		if _, err := server.Provision(ctx, host, active.Path); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(host.Server)
	})
	g.Go(func() error {
		<-gctx.Done()
		return host.Shutdown(active.ShutdownTimeout)
	})
	if opts.configPath != "" {
		g.Go(func() error {
			return server.WatchConfig(gctx, opts.configPath, func(next *server.Config) {
				if opts.port != "" {
					next.Port = opts.port
				}
				if next.Port != active.Port || next.Path != active.Path || next.Room != active.Room || next.Bus != active.Bus {
					log.Warn().Msg("port, path, room and bus changes take effect after a restart")
				}
				next.Port, next.Path, next.Room, next.Bus = active.Port, active.Path, active.Room, active.Bus
				server.SetConfig(next)
			})
		})
	}

	return g.Wait()
}
